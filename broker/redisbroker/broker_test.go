package redisbroker

import (
	"context"
	"testing"

	"github.com/gomodule/redigo/redis"

	"github.com/marselester/gopher-celery-client/protocol"
)

func TestPublishLPushes(t *testing.T) {
	q := "redisbrokerq"
	br := New()

	t.Cleanup(func() {
		conn := br.pool.Get()
		defer conn.Close()
		if _, err := conn.Do("DEL", q); err != nil {
			t.Fatal(err)
		}
	})

	env := protocol.Envelope{
		Headers:     protocol.Headers{Lang: protocol.Lang, Task: "t", ID: "id"},
		Properties:  protocol.Properties{CorrelationID: "id", BodyEncoding: "utf-8"},
		ContentType: "application/json",
		Body:        `[[], {}, {"callbacks": null, "chain": null, "chord": null, "errbacks": null}]`,
	}

	if _, err := br.Publish(context.Background(), q, env); err != nil {
		t.Fatal(err)
	}

	conn := br.pool.Get()
	defer conn.Close()
	n, err := redis.Int(conn.Do("LLEN", q))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 queued message, got %d", n)
	}
}
