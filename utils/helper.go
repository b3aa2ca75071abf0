package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"

	"github.com/oknaservice/dispatch_backend/config"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// NormalizeLabel lower-cases and trims a dealer/company label so lookups are
// insensitive to how the CRM operator typed it.
func NormalizeLabel(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizePhone reduces a phone number in any common local format
// (8 (999) 123-45-67, +79991234567, 89991234567, 9991234567) to +7XXXXXXXXXX.
// Unknown formats are returned unchanged.
func NormalizePhone(phone string) string {
	if phone == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	clean := b.String()

	switch {
	case strings.HasPrefix(clean, "8") && len(clean) == 11:
		return "+7" + clean[1:]
	case strings.HasPrefix(clean, "7") && len(clean) == 11:
		return "+" + clean
	case strings.HasPrefix(clean, "+"):
		return clean
	case len(clean) == 10:
		return "+7" + clean
	default:
		return phone
	}
}

// DispatchLock takes a short-lived Redis lock on a named resource and runs fn
// while holding it. It is best-effort guarding against double-submits from the
// ops surface; the database-level advisory lock remains the source of truth.
func DispatchLock(ctx context.Context, resource string, moduleName string, functionName string, fn func(ctx context.Context) error) error {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", resource, errors.New("redis lock is nil"))
		return errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("dispatch:%s", resource)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for resource", resource, err)
		return errors.New("operation already in progress")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for resource", resource, err)
		return err
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	return fn(ctx)
}

// FormatPhoneDisplay renders +7XXXXXXXXXX as +7 (XXX) XXX-XX-XX.
func FormatPhoneDisplay(phone string) string {
	clean := NormalizePhone(phone)
	if strings.HasPrefix(clean, "+7") && len(clean) == 12 {
		return fmt.Sprintf("+7 (%s) %s-%s-%s", clean[2:5], clean[5:8], clean[8:10], clean[10:12])
	}
	return clean
}
