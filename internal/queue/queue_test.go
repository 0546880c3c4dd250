package queue

import (
	"testing"

	"github.com/rabbitmq/amqp091-go"
)

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp091.Table
		want    int
	}{
		{name: "nil headers", headers: nil, want: 0},
		{name: "missing", headers: amqp091.Table{"other": int32(3)}, want: 0},
		{name: "int32", headers: amqp091.Table{"x-retries": int32(4)}, want: 4},
		{name: "int64", headers: amqp091.Table{"x-retries": int64(7)}, want: 7},
		{name: "int", headers: amqp091.Table{"x-retries": 2}, want: 2},
		{name: "unexpected type", headers: amqp091.Table{"x-retries": "9"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryCount(tt.headers); got != tt.want {
				t.Errorf("RetryCount(%v) = %d, want %d", tt.headers, got, tt.want)
			}
		})
	}
}

func TestQueues(t *testing.T) {
	got := Queues()
	if len(got) != 2 || got[0] != IngestQueue || got[1] != RetractQueue {
		t.Errorf("unexpected work queues %v", got)
	}
}
