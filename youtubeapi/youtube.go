// Package youtubeapi resolves video metadata through the YouTube Data API
// v3 using an API key alone. It exists to label sessions with a title and
// channel on the control surface; the ingestion path never touches it, so a
// missing or exhausted key costs nothing but blank labels.
package youtubeapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// cacheTTL bounds how long a lookup is reused. The Data API default quota is
// 10k units per day; a dashboard refreshing session detail must not burn it.
const cacheTTL = 5 * time.Minute

// Video is the slice of Data API metadata worth surfacing on a session.
type Video struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ChannelID    string `json:"channel_id"`
	ChannelTitle string `json:"channel_title"`
	Live         bool   `json:"live"`
	ViewerCount  uint64 `json:"viewer_count,omitempty"`
}

type cachedVideo struct {
	video   *Video
	fetched time.Time
}

// Resolver wraps the videos.list call behind a small TTL cache.
type Resolver struct {
	svc *yt.Service
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cachedVideo
}

// NewResolver builds a resolver authenticated by API key alone. Extra
// options follow the key, letting tests redirect the endpoint.
func NewResolver(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Resolver, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("youtube api key empty")
	}
	all := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := yt.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Resolver{svc: svc, ttl: cacheTTL, cache: make(map[string]cachedVideo)}, nil
}

// Video resolves metadata for one video id, serving cached entries while
// they are fresh. Misses and API failures are not cached; the next request
// retries.
func (r *Resolver) Video(ctx context.Context, videoID string) (*Video, error) {
	if videoID == "" {
		return nil, fmt.Errorf("video id empty")
	}

	r.mu.Lock()
	if c, ok := r.cache[videoID]; ok && time.Since(c.fetched) < r.ttl {
		r.mu.Unlock()
		return c.video, nil
	}
	r.mu.Unlock()

	resp, err := r.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("videos.list %s: %w", videoID, err)
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("video %s not found", videoID)
	}

	item := resp.Items[0]
	v := &Video{ID: videoID}
	if item.Snippet != nil {
		v.Title = item.Snippet.Title
		v.ChannelID = item.Snippet.ChannelId
		v.ChannelTitle = item.Snippet.ChannelTitle
		v.Live = item.Snippet.LiveBroadcastContent == "live"
	}
	if d := item.LiveStreamingDetails; d != nil {
		v.ViewerCount = d.ConcurrentViewers
	}

	r.mu.Lock()
	r.cache[videoID] = cachedVideo{video: v, fetched: time.Now()}
	r.mu.Unlock()
	return v, nil
}
