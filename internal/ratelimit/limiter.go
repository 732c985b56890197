// internal/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/cache"
	"github.com/jason-s-yu/matchmaker/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Settings are the cooldown thresholds.
type Settings struct {
	Window   time.Duration // CANCEL_JOIN_WINDOW_MS
	Max      int           // MAX_CANCEL_JOIN
	Cooldown time.Duration // COOLDOWN_MS
}

// Decision is the outcome of CheckAndRecord.
type Decision struct {
	Admitted      bool
	CooldownUntil time.Time
}

// Limiter tracks join/cancel actions per identity key and issues cooldowns.
// An action is blocked while any of its keys is cooling down.
type Limiter struct {
	store    *cache.Store
	settings Settings
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
}

// New returns a Limiter over store.
func New(store *cache.Store, settings Settings, m *metrics.Metrics, log logrus.FieldLogger) *Limiter {
	return &Limiter{store: store, settings: settings, metrics: m, log: log}
}

// Keys builds the identity keys of one action: player, IP, device (if any) and the composite.
func Keys(playerID, ip, deviceID string) []string {
	keys := []string{"player:" + playerID}
	if ip != "" {
		keys = append(keys, "ip:"+ip)
	}
	if deviceID != "" {
		keys = append(keys, "device:"+deviceID)
	}
	return append(keys, "combo:"+playerID+"|"+ip+"|"+deviceID)
}

func (l *Limiter) actionsKey(k string) string  { return l.store.Key("rl", k, "actions") }
func (l *Limiter) cooldownKey(k string) string { return l.store.Key("rl", k, "cooldown") }

// CheckAndRecord admits or rejects one action at now.
//
// While any key is already cooling down the action is rejected without being recorded, so a
// cooldown always ends COOLDOWN_MS after the action that triggered it. Otherwise the action is
// appended to every key's window; a key whose window then holds more than Max actions starts a
// cooldown and has its window cleared.
func (l *Limiter) CheckAndRecord(ctx context.Context, keys []string, now time.Time) (Decision, error) {
	if until, err := l.activeCooldown(ctx, keys, now); err != nil {
		return Decision{}, err
	} else if !until.IsZero() {
		l.metrics.Cooldown()
		return Decision{CooldownUntil: until}, nil
	}

	var until time.Time
	for _, k := range keys {
		count, err := l.store.WindowRecord(ctx, l.actionsKey(k), now, l.settings.Window)
		if err != nil {
			return Decision{}, err
		}
		if count <= int64(l.settings.Max) {
			continue
		}
		keyUntil := now.Add(l.settings.Cooldown)
		if err := l.store.SetMarker(ctx, l.cooldownKey(k), strconv.FormatInt(keyUntil.UnixMilli(), 10), l.settings.Cooldown); err != nil {
			return Decision{}, err
		}
		if _, err := l.store.Delete(ctx, l.actionsKey(k)); err != nil {
			return Decision{}, err
		}
		l.log.WithFields(logrus.Fields{"key": k, "count": count, "until": keyUntil}).Info("Cooldown triggered")
		if keyUntil.After(until) {
			until = keyUntil
		}
	}
	if !until.IsZero() {
		l.metrics.Cooldown()
		return Decision{CooldownUntil: until}, nil
	}
	return Decision{Admitted: true}, nil
}

// activeCooldown returns the latest cooldown deadline after now across keys, or zero.
func (l *Limiter) activeCooldown(ctx context.Context, keys []string, now time.Time) (time.Time, error) {
	ckeys := make([]string, len(keys))
	for i, k := range keys {
		ckeys[i] = l.cooldownKey(k)
	}
	vals, err := l.store.GetMarkers(ctx, ckeys...)
	if err != nil {
		return time.Time{}, err
	}
	var until time.Time
	for i, v := range vals {
		if v == "" {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("cooldown for %s: %w", keys[i], err)
		}
		if t := time.UnixMilli(ms); t.After(now) && t.After(until) {
			until = t
		}
	}
	return until, nil
}

// Reset clears counters and cooldowns for keys. Called after a successful match.
func (l *Limiter) Reset(ctx context.Context, keys []string) error {
	del := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		del = append(del, l.actionsKey(k), l.cooldownKey(k))
	}
	_, err := l.store.Delete(ctx, del...)
	return err
}
