package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NSQStats is the subset of nsqd's /stats?format=json response we read
type NSQStats struct {
	Topics []NSQTopicStats `json:"topics"`
}

type NSQTopicStats struct {
	TopicName string            `json:"topic_name"`
	Depth     int64             `json:"depth"`
	Channels  []NSQChannelStats `json:"channels"`
}

type NSQChannelStats struct {
	ChannelName   string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
	DeferredCount int64  `json:"deferred_count"`
}

// Backlog is what a channel still has to process, including deferred messages
func (c NSQChannelStats) Backlog() int64 {
	return c.Depth + c.DeferredCount
}

// Channel finds a topic/channel pair
func (s *NSQStats) Channel(topic, channel string) (NSQChannelStats, bool) {
	for _, t := range s.Topics {
		if t.TopicName != topic {
			continue
		}
		for _, c := range t.Channels {
			if c.ChannelName == channel {
				return c, true
			}
		}
	}
	return NSQChannelStats{}, false
}

// FetchNSQStats reads nsqd's stats endpoint. httpAddr is host:port or a full URL.
func FetchNSQStats(ctx context.Context, client *http.Client, httpAddr string) (*NSQStats, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := httpAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/stats?format=json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nsq stats returned %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	return &stats, nil
}

// NSQDepth reports a channel's backlog through nsqd's stats endpoint
type NSQDepth struct {
	Client   *http.Client
	HTTPAddr string
	Topic    string
	Channel  string
}

func (d NSQDepth) Depth(ctx context.Context) (int64, error) {
	stats, err := FetchNSQStats(ctx, d.Client, d.HTTPAddr)
	if err != nil {
		return 0, err
	}
	c, ok := stats.Channel(d.Topic, d.Channel)
	if !ok {
		return 0, nil
	}
	return c.Backlog(), nil
}
