// Package commands holds the gatectl subcommands. All commands write through
// the store and, when a bus is configured, publish a cache invalidation
// afterwards so running gateways drop their stale snapshot.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ametov/metergate/internal/bus"
	"github.com/ametov/metergate/internal/store"
)

var (
	st         store.Store
	sink       bus.Sink
	outputJSON bool
)

func SetStore(s store.Store) { st = s }

func SetBus(b bus.Sink) { sink = b }

func SetOutputJSON(v bool) { outputJSON = v }

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// publish is best effort: a missed invalidation only means gateways serve
// the stale snapshot until its TTL expires.
func publish(ctx context.Context, typ bus.EventType, key string) {
	if sink == nil {
		return
	}
	if err := sink.Publish(ctx, bus.Event{Type: typ, Key: key}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalidation publish failed: %v\n", err)
	}
}

// output prints the human summary, or the full record when --json is set.
func output(human string, v any) error {
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Println(human)
	return nil
}
