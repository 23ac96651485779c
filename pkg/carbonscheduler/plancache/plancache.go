// Package plancache decides whether a function's persisted schedule can be
// reused for this cycle, keyed by the function id, the SHA-256 of its
// canonical metadata and the horizon start date. Any metadata change
// avalanches the hash and forces regeneration.
package plancache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/clock"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

// Key identifies interchangeable schedules.
type Key struct {
	FunctionID   string
	MetadataHash string
	HorizonDate  string
}

// KeyFor computes the cache key for a function and horizon start.
func KeyFor(meta *types.FunctionMetadata, horizonStart time.Time) (Key, error) {
	hash, err := common.HashJSON(meta)
	if err != nil {
		return Key{}, fmt.Errorf("failed to hash metadata: %v", err)
	}
	return Key{
		FunctionID:   meta.FunctionID,
		MetadataHash: hash,
		HorizonDate:  horizonStart.UTC().Format("2006-01-02"),
	}, nil
}

// Cache wraps the bucket with key-based schedule reuse.
type Cache struct {
	store store.Interface
	clock clock.Clock
}

// New creates a plan cache.
func New(s store.Interface, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Cache{store: s, clock: clk}
}

// ObjectName returns the bucket key of a function's schedule.
func ObjectName(functionID string) string {
	return common.SchedulePrefix + functionID + ".json"
}

// Lookup returns the persisted schedule if it bears an equal key and is at
// most seven days old. A torn or unreadable schedule is treated as a miss.
func (c *Cache) Lookup(ctx context.Context, key Key) (*types.Schedule, bool) {
	var sched types.Schedule
	err := store.GetJSON(ctx, c.store, ObjectName(key.FunctionID), &sched)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			// Data-integrity problems are never surfaced; re-plan instead.
			klog.V(2).InfoS("Treating unreadable schedule as cache miss",
				"function", key.FunctionID, "error", err)
		}
		return nil, false
	}

	if sched.MetadataHash != key.MetadataHash {
		klog.V(3).InfoS("Plan cache miss: metadata hash changed", "function", key.FunctionID)
		return nil, false
	}
	if sched.HorizonStartUTC.UTC().Format("2006-01-02") != key.HorizonDate {
		klog.V(3).InfoS("Plan cache miss: horizon date changed", "function", key.FunctionID)
		return nil, false
	}
	if c.clock.Since(sched.GeneratedAtUTC) > common.PlanCacheMaxAge {
		klog.V(3).InfoS("Plan cache miss: schedule too old", "function", key.FunctionID)
		return nil, false
	}
	if err := sched.Validate(); err != nil {
		klog.V(2).InfoS("Treating invalid schedule as cache miss",
			"function", key.FunctionID, "error", err)
		return nil, false
	}

	klog.V(2).InfoS("Plan cache hit", "function", key.FunctionID, "generatedAt", sched.GeneratedAtUTC)
	return &sched, true
}

// Write persists a schedule under its function's object name. The store
// write is atomic, so readers never observe a partial schedule.
func (c *Cache) Write(ctx context.Context, sched *types.Schedule) error {
	if err := sched.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid schedule: %v", err)
	}
	return store.PutJSON(ctx, c.store, ObjectName(sched.FunctionID), sched)
}
