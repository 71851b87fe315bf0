package natsstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/systemshift/memex-vstore/internal/persist"
	"github.com/systemshift/memex-vstore/internal/persist/persisttest"
)

// The contract suite needs a JetStream-enabled server, e.g.
//
//	nats-server -js
//	MEMEX_VSTORE_NATS_URL=nats://127.0.0.1:4222 go test ./internal/persist/natsstore
func TestContract(t *testing.T) {
	url := os.Getenv("MEMEX_VSTORE_NATS_URL")
	if url == "" {
		t.Skip("MEMEX_VSTORE_NATS_URL not set")
	}
	prefix := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	b, err := Open(context.Background(), Options{URL: url, BucketPrefix: prefix})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	persisttest.Run(t, func(t *testing.T, cfg persist.Config) persist.Persist {
		return b.CreatePersist(cfg)
	})
}

func TestOpen_RequiresURL(t *testing.T) {
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestIsConflict(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{jetstream.ErrKeyExists, true},
		{fmt.Errorf("update: %w", jetstream.ErrKeyExists), true},
		{&jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence, Description: "wrong last sequence: 41"}, true},
		{fmt.Errorf("purge: %w", &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}), true},
		{&jetstream.APIError{Code: 404, ErrorCode: jetstream.JSErrCodeStreamNotFound}, false},
		// Only the error code decides, never the message text.
		{errors.New("nats: wrong last sequence: 41"), false},
		{errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := isConflict(tc.err); got != tc.want {
			t.Errorf("isConflict(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestKeys(t *testing.T) {
	p := (&Backend{}).CreatePersist(persist.Config{RepositoryID: "repo/with:odd chars"})
	id := persist.HashObjID([]byte("x"))

	for _, key := range []string{p.objKey(id), p.refKey("refs/heads/feature/x")} {
		for _, r := range key {
			ok := r == '.' || r >= 'a' && r <= 'z' || r >= '2' && r <= '7'
			if !ok {
				t.Fatalf("key %q contains %q, not valid in a KV key token", key, r)
			}
		}
	}

	name, err := decode(strings.TrimPrefix(p.refKey("refs/heads/feature/x"), p.prefix))
	if err != nil || name != "refs/heads/feature/x" {
		t.Fatalf("decode = %q, %v", name, err)
	}
}
