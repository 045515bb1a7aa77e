package nwloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbill/nw-loader/codec"
	"github.com/longbill/nw-loader/keystore/memkv"
	"github.com/longbill/nw-loader/mirror"
)

// fakeMirror is a hand-rolled mirror.Mirror for tests, mirroring memkv's
// mutex-guarded-map style. Unlike memkv it tracks no expiry: tests control
// staleness entirely through the underlying Store's TTL.
type fakeMirror struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newFakeMirror() *fakeMirror { return &fakeMirror{m: make(map[string][]byte)} }

var _ mirror.Mirror = (*fakeMirror)(nil)

func (f *fakeMirror) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.m[key]
	return b, ok, nil
}

func (f *fakeMirror) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeMirror) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, key)
	return nil
}

// capturingLogger records Warn calls so tests can inspect the logged
// Fields, e.g. to assert on the concrete error type behind "err".
type capturingLogger struct {
	mu    sync.Mutex
	warns []Fields
}

func (l *capturingLogger) Debug(string, Fields) {}
func (l *capturingLogger) Info(string, Fields)  {}
func (l *capturingLogger) Warn(_ string, f Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, f)
}
func (l *capturingLogger) Error(string, Fields) {}

func (l *capturingLogger) lastWarn() Fields {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.warns) == 0 {
		return nil
	}
	return l.warns[len(l.warns)-1]
}

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newTestLoader(t *testing.T, fn LoaderFunc[user], optsOpt func(*Options[user])) (*Loader[user], *memkv.Store) {
	t.Helper()
	store := memkv.New()
	opts := Options[user]{
		Store: store,
		TTL:   2 * time.Second,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	ld, err := New[user]("user", fn, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ld, store
}

// countingLoader returns a LoaderFunc that counts its own invocations and
// produces a deterministic user for whatever single key argument it's
// given.
func countingLoader(count *int64) LoaderFunc[user] {
	return func(_ context.Context, args ...any) (user, error) {
		atomic.AddInt64(count, 1)
		id, _ := args[0].(string)
		return user{ID: id, Name: "name-" + id}, nil
	}
}

func TestLoadColdCacheSingleCaller(t *testing.T) {
	ctx := context.Background()
	var calls int64
	ld, _ := newTestLoader(t, countingLoader(&calls), nil)

	got, err := ld.Load(ctx, "1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := user{ID: "1", Name: "name-1"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if calls != 1 {
		t.Fatalf("loader invoked %d times, want 1", calls)
	}
}

func TestLoadColdCacheConcurrentCallersFoldToOneInvocation(t *testing.T) {
	ctx := context.Background()
	var calls int64
	block := make(chan struct{})
	fn := func(_ context.Context, args ...any) (user, error) {
		<-block
		atomic.AddInt64(&calls, 1)
		id, _ := args[0].(string)
		return user{ID: id, Name: "name-" + id}, nil
	}
	ld, _ := newTestLoader(t, fn, nil)

	const n = 8
	var wg sync.WaitGroup
	results := make([]user, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ld.Load(ctx, "shared")
		}(i)
	}

	// Give every goroutine a chance to reach the blocked loader call before
	// releasing it, so they genuinely race for the same lock key.
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	want := user{ID: "shared", Name: "name-shared"}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: Load: %v", i, errs[i])
		}
		if results[i] != want {
			t.Fatalf("caller %d: got %+v, want %+v", i, results[i], want)
		}
	}
	if calls != 1 {
		t.Fatalf("loader invoked %d times, want 1", calls)
	}
}

func TestLoadWarmCacheFreshSkipsLoader(t *testing.T) {
	ctx := context.Background()
	var calls int64
	ld, _ := newTestLoader(t, countingLoader(&calls), nil)

	if _, err := ld.Load(ctx, "1"); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if _, err := ld.Load(ctx, "1"); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader invoked %d times, want 1 (second call should hit fresh cache)", calls)
	}
}

func TestLoadStaleWindowServesStaleAndRefreshesInBackground(t *testing.T) {
	ctx := context.Background()
	var calls int64
	ld, _ := newTestLoader(t, countingLoader(&calls), func(o *Options[user]) {
		o.TTL = 2 * time.Second
	})

	if _, err := ld.Load(ctx, "1"); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	// data key TTL is 2T=4s; wait past T=2s so the entry is stale but still
	// present.
	time.Sleep(2100 * time.Millisecond)

	got, err := ld.Load(ctx, "1")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	want := user{ID: "1", Name: "name-1"}
	if got != want {
		t.Fatalf("stale read returned %+v, want %+v", got, want)
	}
	if calls != 2 {
		t.Fatalf("loader invoked %d times, want 2 (one cold load, one background refresh)", calls)
	}
}

func TestLoadSustainedTrafficBoundsInvocationsByTTL(t *testing.T) {
	ctx := context.Background()
	var calls int64
	ld, _ := newTestLoader(t, countingLoader(&calls), func(o *Options[user]) {
		o.TTL = 2 * time.Second
	})

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = ld.Load(ctx, "1")
			}()
		}
		wg.Wait()
		time.Sleep(50 * time.Millisecond)
	}

	if calls < 1 || calls > 6 {
		t.Fatalf("loader invoked %d times over ~4s with TTL 2s; expected a small bounded count", calls)
	}
}

func TestLoadErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	wantErr := errors.New("upstream unavailable")
	var calls int64
	fn := func(_ context.Context, _ ...any) (user, error) {
		atomic.AddInt64(&calls, 1)
		return user{}, wantErr
	}
	ld, _ := newTestLoader(t, fn, nil)

	_, err := ld.Load(ctx, "1")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var lerr *LoaderError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LoaderError, got %T: %v", err, err)
	}
	if !errors.Is(lerr.Err, wantErr) && lerr.Err.Error() != wantErr.Error() {
		t.Fatalf("wrapped error = %v, want %v", lerr.Err, wantErr)
	}

	// A second call must retry the loader: nothing was cached.
	if _, err := ld.Load(ctx, "1"); err == nil {
		t.Fatalf("expected second Load to also fail")
	}
	if calls != 2 {
		t.Fatalf("loader invoked %d times, want 2 (no error caching)", calls)
	}
}

func TestNewRejectsShortTTL(t *testing.T) {
	store := memkv.New()
	_, err := New[user]("user", countingLoader(new(int64)), Options[user]{
		Store: store,
		TTL:   1 * time.Second,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError for TTL < MinTTL, got %v", err)
	}
}

func TestNewRejectsInvalidName(t *testing.T) {
	store := memkv.New()
	_, err := New[user]("bad/name", countingLoader(new(int64)), Options[user]{Store: store})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError for name containing '/', got %v", err)
	}
}

func TestPrimeBypassesLoaderAndClearRemovesEntry(t *testing.T) {
	ctx := context.Background()
	var calls int64
	ld, _ := newTestLoader(t, countingLoader(&calls), nil)

	seed := user{ID: "9", Name: "seeded"}
	ok, err := ld.Prime(ctx, "9", seed)
	if err != nil || !ok {
		t.Fatalf("Prime: ok=%v err=%v", ok, err)
	}

	got, err := ld.Load(ctx, "9")
	if err != nil {
		t.Fatalf("Load after Prime: %v", err)
	}
	if got != seed {
		t.Fatalf("got %+v, want %+v", got, seed)
	}
	if calls != 0 {
		t.Fatalf("loader invoked %d times, want 0 (Prime should bypass it)", calls)
	}

	n, err := ld.Clear(ctx, "9")
	if err != nil || n != 1 {
		t.Fatalf("Clear: n=%d err=%v", n, err)
	}

	if _, err := ld.Load(ctx, "9"); err != nil {
		t.Fatalf("Load after Clear: %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader invoked %d times after Clear, want 1", calls)
	}
}

func TestCacheableDecorator(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	var calls int64
	wrapped, err := Cacheable[user]("user", Options[user]{Store: store, TTL: 2 * time.Second})(countingLoader(&calls))
	if err != nil {
		t.Fatalf("Cacheable: %v", err)
	}

	got, err := wrapped(ctx, "3")
	if err != nil {
		t.Fatalf("wrapped call: %v", err)
	}
	want := user{ID: "3", Name: "name-3"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if _, err := wrapped(ctx, "3"); err != nil {
		t.Fatalf("second wrapped call: %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader invoked %d times, want 1", calls)
	}
}

func TestDeriveScalarPassthroughAndHashFallback(t *testing.T) {
	k1, err := derive([]any{"abc"})
	if err != nil || k1 != "abc" {
		t.Fatalf("derive(string) = %q, %v", k1, err)
	}
	k2, err := derive([]any{42})
	if err != nil || k2 != "42" {
		t.Fatalf("derive(int) = %q, %v", k2, err)
	}
	k3, err := derive([]any{"a", "b"})
	if err != nil {
		t.Fatalf("derive(multi): %v", err)
	}
	if k3 == "" || k3 == "a" {
		t.Fatalf("derive(multi) should hash, got %q", k3)
	}
	k4, err := derive([]any{"a", "b"})
	if err != nil || k4 != k3 {
		t.Fatalf("derive(multi) should be deterministic: %q != %q", k4, k3)
	}
}

func TestJSONEntryCodecRejectsMissingCreateTime(t *testing.T) {
	codec := jsonEntryCodec[user]{}
	_, err := codec.Decode([]byte(`{"value":{"id":"1","name":"a"}}`))
	if err == nil {
		t.Fatalf("expected error for missing createTime")
	}
}

func TestJSONEntryCodecRoundTrip(t *testing.T) {
	codec := jsonEntryCodec[user]{}
	entry := CacheEntry[user]{CreateTime: 123, Value: user{ID: "1", Name: "a"}}
	b, err := codec.Encode(entry)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := codec.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != entry {
		t.Fatalf("got %+v, want %+v", got, entry)
	}
}

func TestLoaderWithCBOREntryCodec(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	cb, err := codec.NewCBOR[CacheEntry[user]](false)
	if err != nil {
		t.Fatalf("NewCBOR: %v", err)
	}

	var calls int64
	ld, err := New[user]("user", countingLoader(&calls), Options[user]{
		Store:      store,
		TTL:        2 * time.Second,
		EntryCodec: EntryCodecFrom[user](cb),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := ld.Load(ctx, "7")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := user{ID: "7", Name: "name-7"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	// Second Load must hit the CBOR-encoded entry instead of re-invoking
	// the loader, proving the stored blob round-trips through CBOR.
	if _, err := ld.Load(ctx, "7"); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader invoked %d times, want 1 (CBOR entry should have been readable on the warm path)", calls)
	}

	raw, hit, err := store.Get(ctx, ld.dataKey("7"))
	if err != nil || !hit {
		t.Fatalf("expected a stored data key: hit=%v err=%v", hit, err)
	}
	if _, jsonErr := (jsonEntryCodec[user]{}).Decode(raw); jsonErr == nil {
		t.Fatalf("stored entry decoded as JSON; expected CBOR framing to have replaced it")
	}
}

func TestLoaderWithMsgpackEntryCodecPrimeAndLoad(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	var calls int64
	ld, err := New[user]("user", countingLoader(&calls), Options[user]{
		Store:      store,
		TTL:        2 * time.Second,
		EntryCodec: EntryCodecFrom[user](codec.Msgpack[CacheEntry[user]]{}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seed := user{ID: "8", Name: "seeded"}
	if ok, err := ld.Prime(ctx, "8", seed); err != nil || !ok {
		t.Fatalf("Prime: ok=%v err=%v", ok, err)
	}

	got, err := ld.Load(ctx, "8")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != seed {
		t.Fatalf("got %+v, want %+v", got, seed)
	}
	if calls != 0 {
		t.Fatalf("loader invoked %d times, want 0 (Prime should have populated the Msgpack-encoded entry)", calls)
	}
}

func TestLoaderWithValueCodecFromStringCodec(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	var calls int64
	fn := func(_ context.Context, args ...any) (string, error) {
		atomic.AddInt64(&calls, 1)
		id, _ := args[0].(string)
		return "value-" + id, nil
	}
	ld, err := New[string]("greeting", fn, Options[string]{
		Store:      store,
		TTL:        2 * time.Second,
		EntryCodec: ValueCodecFrom[string](codec.String{}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := ld.Load(ctx, "10")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "value-10" {
		t.Fatalf("got %q, want %q", got, "value-10")
	}

	// Second Load must be served from the value-codec envelope instead of
	// re-invoking the loader.
	if _, err := ld.Load(ctx, "10"); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader invoked %d times, want 1 (envelope should have been readable on the warm path)", calls)
	}

	raw, hit, err := store.Get(ctx, ld.dataKey("10"))
	if err != nil || !hit {
		t.Fatalf("expected a stored data key: hit=%v err=%v", hit, err)
	}
	if len(raw) < valueEnvelopeHeaderLen {
		t.Fatalf("stored entry too short to carry a createTime envelope: %d bytes", len(raw))
	}
	if got := string(raw[valueEnvelopeHeaderLen:]); got != "value-10" {
		t.Fatalf("stored payload = %q, want %q", got, "value-10")
	}
}

func TestCorruptEntryIsWrappedAsParseError(t *testing.T) {
	ctx := context.Background()
	logger := &capturingLogger{}
	var calls int64
	ld, store := newTestLoader(t, countingLoader(&calls), func(o *Options[user]) {
		o.Logger = logger
	})

	dataKey := ld.dataKey("9")
	if err := store.Set(ctx, dataKey, []byte("not a valid entry"), 0, false); err != nil {
		t.Fatalf("store.Set: %v", err)
	}

	got, err := ld.Load(ctx, "9")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := user{ID: "9", Name: "name-9"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if calls != 1 {
		t.Fatalf("loader invoked %d times, want 1 (corrupt entry must be treated as a miss)", calls)
	}

	f := logger.lastWarn()
	if f == nil {
		t.Fatalf("expected a warning to be logged for the corrupt entry")
	}
	loggedErr, _ := f["err"].(error)
	if loggedErr == nil {
		t.Fatalf("logged Fields has no \"err\" entry: %#v", f)
	}
	var perr *ParseError
	if !errors.As(loggedErr, &perr) {
		t.Fatalf("logged err is not a *ParseError: %#v", loggedErr)
	}
	if perr.Key != dataKey {
		t.Fatalf("ParseError.Key = %q, want %q", perr.Key, dataKey)
	}
}

func TestReadFreshTrustsMirrorWhenConfigured(t *testing.T) {
	ctx := context.Background()
	fm := newFakeMirror()
	var calls int64
	ld, store := newTestLoader(t, countingLoader(&calls), func(o *Options[user]) {
		o.Mirror = fm
		o.TrustMirrorFreshness = true
	})

	entry := CacheEntry[user]{CreateTime: time.Now().UnixMilli(), Value: user{ID: "42", Name: "mirrored"}}
	raw, err := (jsonEntryCodec[user]{}).Encode(entry)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := fm.Set(ctx, ld.dataKey("42"), raw, time.Minute); err != nil {
		t.Fatalf("mirror Set: %v", err)
	}

	// Store is cold for this key: if the mirror hit were not trusted,
	// needsRefresh would see TTL -2 (absent) and fall through to the
	// loader below.
	if _, hit, _ := store.Get(ctx, ld.dataKey("42")); hit {
		t.Fatalf("test setup: store should be cold for this key")
	}

	got, err := ld.Load(ctx, "42")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := user{ID: "42", Name: "mirrored"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if calls != 0 {
		t.Fatalf("loader invoked %d times, want 0 (trusted mirror hit should skip Store.TTL and the loader entirely)", calls)
	}
}

func TestReadFreshFallsThroughToStoreTTLWhenMirrorNotTrusted(t *testing.T) {
	ctx := context.Background()
	fm := newFakeMirror()
	var calls int64
	ld, store := newTestLoader(t, countingLoader(&calls), func(o *Options[user]) {
		o.Mirror = fm
		o.TrustMirrorFreshness = false
	})

	entry := CacheEntry[user]{CreateTime: time.Now().UnixMilli(), Value: user{ID: "43", Name: "mirrored"}}
	raw, err := (jsonEntryCodec[user]{}).Encode(entry)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := fm.Set(ctx, ld.dataKey("43"), raw, time.Minute); err != nil {
		t.Fatalf("mirror Set: %v", err)
	}

	// Store is cold for this key, so needsRefresh's TTL probe reports -2
	// (absent): an untrusted mirror hit must not be served on that alone,
	// so Load falls through to the Store (a miss here) and invokes the
	// loader.
	if _, hit, _ := store.Get(ctx, ld.dataKey("43")); hit {
		t.Fatalf("test setup: store should be cold for this key")
	}

	got, err := ld.Load(ctx, "43")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := user{ID: "43", Name: "name-43"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if calls != 1 {
		t.Fatalf("loader invoked %d times, want 1 (untrusted mirror hit must defer to Store.TTL)", calls)
	}

	// The loader's write re-primes the mirror with the authoritative
	// value (see primeInternal).
	if _, hit, _ := fm.Get(ctx, ld.dataKey("43")); !hit {
		t.Fatalf("expected mirror to be re-primed after the Store write")
	}
}

func ExampleLoader_Load() {
	ctx := context.Background()
	store := memkv.New()
	ld, err := New[user]("user", func(_ context.Context, args ...any) (user, error) {
		id, _ := args[0].(string)
		return user{ID: id, Name: "example-" + id}, nil
	}, Options[user]{Store: store, TTL: 2 * time.Second})
	if err != nil {
		panic(err)
	}
	u, err := ld.Load(ctx, "1")
	if err != nil {
		panic(err)
	}
	fmt.Println(u.Name)
	// Output: example-1
}
