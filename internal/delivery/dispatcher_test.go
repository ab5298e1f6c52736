package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lumen-social/relay/internal/broker"
	"github.com/lumen-social/relay/internal/db"
	"github.com/lumen-social/relay/internal/platformcfg"
	"github.com/lumen-social/relay/internal/provider"
)

type staticResolver struct {
	cfg       platformcfg.DeliveryConfig
	err       error
	failFirst int
	calls     int
}

func (r *staticResolver) Resolve(_ context.Context, _ string) (platformcfg.DeliveryConfig, error) {
	r.calls++
	if r.failFirst > 0 {
		r.failFirst--
		return platformcfg.DeliveryConfig{}, errors.New("transient lookup failure")
	}
	return r.cfg, r.err
}

type fakeTokens struct {
	tokens []*db.DeviceToken
	err    error
}

func (f *fakeTokens) ListDeviceTokens(_ context.Context, _ string) ([]*db.DeviceToken, error) {
	return f.tokens, f.err
}

type recordingProvider struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (p *recordingProvider) Send(_ context.Context, destination string, _ provider.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sends = append(p.sends, destination)
	return nil
}

func (p *recordingProvider) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sends...)
}

func fullConfig() platformcfg.DeliveryConfig {
	return platformcfg.DeliveryConfig{
		APNSBundleID:   "com.lumen.app",
		APNSKeyID:      "K1",
		APNSTeamID:     "T1",
		APNSKeyContent: "key",
		FCMServerKey:   "fcm-key",
		EmailAPIKey:    "email-key",
		EmailFrom:      "noreply@lumen.social",
	}
}

func testJob() broker.DeliveryJob {
	return broker.DeliveryJob{
		NotificationID: "n-1",
		SourceID:       1,
		UserAddress:    "0xowner",
		Title:          "New Like",
		Body:           "Someone liked your post",
	}
}

func newTestDispatcher(cfg platformcfg.DeliveryConfig, tokens []*db.DeviceToken, providers map[string]provider.Provider) *Dispatcher {
	return New(
		nil,
		&staticResolver{cfg: cfg},
		&fakeTokens{tokens: tokens},
		providers,
		Config{Workers: 1, MaxAttempts: 3, RetryDelay: time.Millisecond},
		zap.NewNop(),
	)
}

func TestDispatchEmailOnly(t *testing.T) {
	email := &recordingProvider{}
	d := newTestDispatcher(
		platformcfg.DeliveryConfig{EmailAPIKey: "k", EmailFrom: "f@x"},
		nil,
		map[string]provider.Provider{provider.ChannelEmail: email},
	)

	d.Dispatch(context.Background(), testJob())

	if got := email.sent(); len(got) != 1 || got[0] != "0xowner" {
		t.Errorf("email sends = %v, want [0xowner]", got)
	}
}

func TestDispatchRoutesTokensByPlatform(t *testing.T) {
	apns := &recordingProvider{}
	fcm := &recordingProvider{}
	tokens := []*db.DeviceToken{
		{Token: "ios-tok", Platform: db.DevicePlatformIOS},
		{Token: "android-tok", Platform: db.DevicePlatformAndroid},
	}
	d := newTestDispatcher(fullConfig(), tokens, map[string]provider.Provider{
		provider.ChannelAPNS: apns,
		provider.ChannelFCM:  fcm,
	})

	d.Dispatch(context.Background(), testJob())

	if got := apns.sent(); len(got) != 1 || got[0] != "ios-tok" {
		t.Errorf("apns sends = %v", got)
	}
	if got := fcm.sent(); len(got) != 1 || got[0] != "android-tok" {
		t.Errorf("fcm sends = %v", got)
	}
}

func TestDispatchSkipsChannelsWithoutCredentials(t *testing.T) {
	apns := &recordingProvider{}
	email := &recordingProvider{}
	tokens := []*db.DeviceToken{{Token: "ios-tok", Platform: db.DevicePlatformIOS}}

	// Only email credentials are configured.
	d := newTestDispatcher(
		platformcfg.DeliveryConfig{EmailAPIKey: "k", EmailFrom: "f@x"},
		tokens,
		map[string]provider.Provider{
			provider.ChannelAPNS:  apns,
			provider.ChannelEmail: email,
		},
	)

	d.Dispatch(context.Background(), testJob())

	if len(apns.sent()) != 0 {
		t.Errorf("apns sent without credentials: %v", apns.sent())
	}
	if len(email.sent()) != 1 {
		t.Errorf("email sends = %v", email.sent())
	}
}

func TestDispatchChannelFailureIsolated(t *testing.T) {
	apns := &recordingProvider{err: errors.New("apns down")}
	email := &recordingProvider{}
	tokens := []*db.DeviceToken{{Token: "ios-tok", Platform: db.DevicePlatformIOS}}

	d := newTestDispatcher(fullConfig(), tokens, map[string]provider.Provider{
		provider.ChannelAPNS:  apns,
		provider.ChannelEmail: email,
	})

	d.Dispatch(context.Background(), testJob())

	if got := email.sent(); len(got) != 1 {
		t.Errorf("email must succeed while apns fails, sends = %v", got)
	}
}

func TestDispatchBoundedRetryThenDrop(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	failing := providerFunc(func(_ context.Context, _ string, _ provider.Payload) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("permanent failure")
	})

	d := newTestDispatcher(
		platformcfg.DeliveryConfig{EmailAPIKey: "k", EmailFrom: "f@x"},
		nil,
		map[string]provider.Provider{provider.ChannelEmail: failing},
	)

	d.Dispatch(context.Background(), testJob())

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (bounded retry)", attempts)
	}
}

func TestDispatchBreakerShortCutsRepeatedFailures(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	failing := providerFunc(func(_ context.Context, _ string, _ provider.Payload) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("still down")
	})

	d := newTestDispatcher(
		platformcfg.DeliveryConfig{EmailAPIKey: "k", EmailFrom: "f@x"},
		nil,
		map[string]provider.Provider{provider.ChannelEmail: failing},
	)
	ctx := context.Background()

	// Default breaker opens after 5 consecutive failures; keep dispatching
	// and confirm provider calls stop growing unboundedly.
	for i := 0; i < 5; i++ {
		d.Dispatch(ctx, testJob())
	}

	mu.Lock()
	defer mu.Unlock()
	// 5 jobs x 3 attempts = 15 without the breaker; it must trip at 5.
	if attempts >= 15 {
		t.Errorf("attempts = %d, breaker never tripped", attempts)
	}
	if attempts < 5 {
		t.Errorf("attempts = %d, breaker tripped too early", attempts)
	}
}

func TestDispatchResolverFailureSendsNothing(t *testing.T) {
	email := &recordingProvider{}
	d := New(
		nil,
		&staticResolver{err: errors.New("db down")},
		&fakeTokens{},
		map[string]provider.Provider{provider.ChannelEmail: email},
		Config{Workers: 1, MaxAttempts: 3, RetryDelay: time.Millisecond},
		zap.NewNop(),
	)

	d.Dispatch(context.Background(), testJob())

	if len(email.sent()) != 0 {
		t.Errorf("sends after resolver failure: %v", email.sent())
	}
}

func TestDispatchResolverRecoversFromTransientFailure(t *testing.T) {
	email := &recordingProvider{}
	resolver := &staticResolver{
		cfg:       platformcfg.DeliveryConfig{EmailAPIKey: "k", EmailFrom: "f@x"},
		failFirst: 1,
	}
	d := New(
		nil,
		resolver,
		&fakeTokens{},
		map[string]provider.Provider{provider.ChannelEmail: email},
		Config{Workers: 1, MaxAttempts: 3, RetryDelay: time.Millisecond},
		zap.NewNop(),
	)

	d.Dispatch(context.Background(), testJob())

	// One lookup blip must not cost the whole job its channels.
	if got := email.sent(); len(got) != 1 || got[0] != "0xowner" {
		t.Errorf("email sends = %v, want [0xowner]", got)
	}
	if resolver.calls != 2 {
		t.Errorf("resolver calls = %d, want 2", resolver.calls)
	}
}

// providerFunc adapts a function to the Provider interface.
type providerFunc func(ctx context.Context, destination string, payload provider.Payload) error

func (f providerFunc) Send(ctx context.Context, destination string, payload provider.Payload) error {
	return f(ctx, destination, payload)
}
