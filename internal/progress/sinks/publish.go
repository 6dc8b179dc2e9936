package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/taskengine/internal/progress"
)

// Publisher sends one notification payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the JSON payload published per lifecycle event.
type Notification struct {
	TaskID       int64     `json:"taskId"`
	ParentTaskID int64     `json:"parentTaskId,omitempty"`
	IsAllTask    bool      `json:"isAllTask,omitempty"`
	Stage        string    `json:"stage"`
	Key          string    `json:"key"`
	ScraperName  string    `json:"scraperName,omitempty"`
	ResultCount  int64     `json:"resultCount"`
	IsLarge      bool      `json:"isLarge,omitempty"`
	DurationMS   int64     `json:"durationMs,omitempty"`
	Worker       string    `json:"worker,omitempty"`
	Note         string    `json:"note,omitempty"`
	Timestamp    time.Time `json:"ts"`
}

// PublishSink forwards selected lifecycle events to a message topic.
type PublishSink struct {
	pub    Publisher
	topic  string
	stages map[progress.Stage]struct{}
}

// NewPublishSink publishes events whose stage is listed; with no stages only
// terminal transitions are sent.
func NewPublishSink(pub Publisher, topic string, stages ...progress.Stage) (*PublishSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if len(stages) == 0 {
		stages = []progress.Stage{progress.StageCompleted, progress.StageFailed, progress.StageAborted}
	}
	set := make(map[progress.Stage]struct{}, len(stages))
	for _, s := range stages {
		set[s] = struct{}{}
	}
	return &PublishSink{pub: pub, topic: topic, stages: set}, nil
}

// Consume publishes each selected event. A failed publish does not stop the
// rest of the batch; all failures are returned joined.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, ok := s.stages[evt.Stage]; !ok {
			continue
		}
		if _, err := s.pub.Publish(ctx, s.topic, toNotification(evt)); err != nil {
			errs = append(errs, fmt.Errorf("publish task %d %s: %w", evt.TaskID, evt.Stage, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *PublishSink) Close(context.Context) error {
	return nil
}

func toNotification(evt progress.Event) Notification {
	return Notification{
		TaskID:       evt.TaskID,
		ParentTaskID: evt.ParentTaskID,
		IsAllTask:    evt.IsAllTask,
		Stage:        string(evt.Stage),
		Key:          evt.Key,
		ScraperName:  evt.ScraperName,
		ResultCount:  evt.ResultCount,
		IsLarge:      evt.IsLarge,
		DurationMS:   evt.Dur.Milliseconds(),
		Worker:       evt.Worker,
		Note:         evt.Note,
		Timestamp:    evt.TS,
	}
}
