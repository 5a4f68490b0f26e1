package status

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes indicator changes for the local indicator daemon and
// keeps the latest value under a key so a restarted daemon can catch up.
type RedisSink struct {
	client   *redis.Client
	channel  string
	key      string
	deviceID string
	timeout  time.Duration
}

// NewRedisSink publishes on channel and stores the latest value at channel+":latest".
func NewRedisSink(client *redis.Client, channel, deviceID string) *RedisSink {
	return &RedisSink{
		client:   client,
		channel:  channel,
		key:      channel + ":latest",
		deviceID: deviceID,
		timeout:  500 * time.Millisecond,
	}
}

type indicatorMessage struct {
	Device    string    `json:"device"`
	Indicator Indicator `json:"indicator"`
	At        time.Time `json:"at"`
}

// Set publishes ind. Failures are logged and dropped.
func (s *RedisSink) Set(ctx context.Context, ind Indicator) {
	msg, err := json.Marshal(indicatorMessage{Device: s.deviceID, Indicator: ind, At: time.Now().UTC()})
	if err != nil {
		log.Printf("status: encode indicator: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key, msg, 0)
	pipe.Publish(ctx, s.channel, msg)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("status: publish indicator=%s: %v", ind, err)
	}
}
