package service

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v3"

	"github.com/Laisky/img-searcher/library/search"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, what.(string))
	return &tele.Message{}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSender) contains(substr string) bool {
	for _, msg := range f.messages() {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

type fakeFiles struct{}

func (fakeFiles) File(*tele.File) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("image-bytes"))), nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	lastEngine string
	lastFile   []byte
	lastOpts   search.Options
	result     *search.Result
	err        error
	// engines narrows the registered set; nil means all six.
	engines []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, engine string, file []byte,
	_ string, opts search.Options) (*search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastEngine = engine
	f.lastFile = file
	f.lastOpts = opts
	return f.result, f.err
}

func (f *fakeDispatcher) Engines() []string {
	if f.engines != nil {
		return f.engines
	}
	return []string{"ascii2d", "iqdb", "tracemoe", "copyseeker", "googlelens", "yandex"}
}

func (f *fakeDispatcher) Has(name string) bool {
	for _, engine := range f.Engines() {
		if engine == name {
			return true
		}
	}
	return false
}

func (f *fakeDispatcher) snapshot() (string, []byte, search.Options) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastEngine, f.lastFile, f.lastOpts
}

func newTestService(dispatcher Dispatcher) (*Service, *fakeSender) {
	sender := &fakeSender{}
	svc := &Service{
		stop:          make(chan struct{}),
		sender:        sender,
		files:         fakeFiles{},
		dispatcher:    dispatcher,
		sessions:      new(sync.Map),
		aliases:       mergedAliases(nil),
		searchTimeout: time.Second,
		sessionTTL:    defaultSessionTTL,
		sweepInterval: defaultSweepInterval,
	}
	return svc, sender
}

func textMsg(user *tele.User, text string) *tele.Message {
	return &tele.Message{Sender: user, Text: text}
}

func photoMsg(user *tele.User) *tele.Message {
	return &tele.Message{
		Sender: user,
		Photo:  &tele.Photo{File: tele.File{FileID: "photo-1"}},
	}
}

func TestFullConversation(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{result: &search.Result{
		Engine: "iqdb",
		Items: []search.ResultItem{
			{Title: "Example Art", URL: "https://example.com/art", Similarity: search.Similarity(96)},
		},
	}}
	svc, sender := newTestService(dispatcher)
	user := &tele.User{ID: 100}

	svc.handleStart(&tele.Message{Sender: user, Payload: "iqdb"})
	require.True(t, sender.contains("Send the image"))

	svc.handlePhoto(photoMsg(user))
	require.True(t, sender.contains("Reply number"))

	svc.handleText(textMsg(user, "2"))
	require.Eventually(t, func() bool {
		return sender.contains("Example Art")
	}, time.Second, 10*time.Millisecond)

	engine, file, opts := dispatcher.snapshot()
	require.Equal(t, "iqdb", engine)
	require.Equal(t, []byte("image-bytes"), file)
	require.True(t, opts.Is3D)

	_, ok := svc.loadSession(user.ID)
	require.False(t, ok, "session should be gone after delivery")
}

func TestEngineAliasesAreCaseInsensitive(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(&fakeDispatcher{})
	for alias, want := range map[string]string{
		"IQDB":     "iqdb",
		"Trace":    "tracemoe",
		"LENS":     "googlelens",
		" google ": "googlelens",
	} {
		got, ok := svc.resolveEngine(alias)
		require.True(t, ok, alias)
		require.Equal(t, want, got)
	}

	_, ok := svc.resolveEngine("bing")
	require.False(t, ok)
}

func TestOperatorKeywordsExtendAliases(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(&fakeDispatcher{})
	svc.aliases = mergedAliases(map[string]string{
		" Pic ":    "IQDB",
		"sauce":    "tracemoe",
		"badword":  "altavista",
		"":         "iqdb",
		"noengine": "",
	})

	got, ok := svc.resolveEngine("pic")
	require.True(t, ok)
	require.Equal(t, "iqdb", got)

	got, ok = svc.resolveEngine("SAUCE")
	require.True(t, ok)
	require.Equal(t, "tracemoe", got)

	// Keywords targeting engines that do not exist are dropped, as are
	// blank entries; built-ins survive the overlay.
	_, ok = svc.resolveEngine("badword")
	require.False(t, ok)
	got, ok = svc.resolveEngine("trace")
	require.True(t, ok)
	require.Equal(t, "tracemoe", got)
}

func TestUnknownEngineTwiceCancels(t *testing.T) {
	t.Parallel()

	svc, sender := newTestService(&fakeDispatcher{})
	user := &tele.User{ID: 101}

	svc.handleStart(&tele.Message{Sender: user, Payload: "bing"})
	require.True(t, sender.contains("Unknown engine bing"))
	_, ok := svc.loadSession(user.ID)
	require.True(t, ok)

	svc.handleText(textMsg(user, "altavista"))
	require.True(t, sender.contains("search canceled"))
	_, ok = svc.loadSession(user.ID)
	require.False(t, ok)
}

func TestDisabledEngineDoesNotConsumeAttempts(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{engines: []string{"iqdb"}}
	svc, sender := newTestService(dispatcher)
	user := &tele.User{ID: 108}

	svc.handleStart(&tele.Message{Sender: user, Payload: "yandex"})
	require.True(t, sender.contains("Engine yandex is currently disabled"))

	// Asking for disabled engines never burns the unknown-name budget.
	for range 3 {
		svc.handleText(textMsg(user, "yandex"))
	}
	sess, ok := svc.loadSession(user.ID)
	require.True(t, ok)
	require.Zero(t, sess.attempts)

	svc.handleText(textMsg(user, "iqdb"))
	require.True(t, sender.contains("Send the image"))
}

func TestSearchWithoutImageAborts(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	svc, sender := newTestService(dispatcher)
	user := &tele.User{ID: 109}

	svc.runSearch(&session{user: user, engine: "yandex"})
	require.True(t, sender.contains("Image data lost"))

	engine, _, _ := dispatcher.snapshot()
	require.Empty(t, engine, "dispatch must not run without an image")
}

func TestModeRetriesDoNotCancel(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{result: &search.Result{Engine: "ascii2d"}}
	svc, sender := newTestService(dispatcher)
	user := &tele.User{ID: 102}

	svc.handleStart(&tele.Message{Sender: user, Payload: "ascii2d"})
	svc.handlePhoto(photoMsg(user))

	// Invalid mode picks re-prompt indefinitely.
	for range 3 {
		svc.handleText(textMsg(user, "9"))
	}
	sess, ok := svc.loadSession(user.ID)
	require.True(t, ok)
	require.Equal(t, stepAwaitMode, sess.step)

	svc.handleText(textMsg(user, "2"))
	require.Eventually(t, func() bool {
		engine, _, opts := dispatcher.snapshot()
		return engine == "ascii2d" && opts.Bovw
	}, time.Second, 10*time.Millisecond)
	require.True(t, sender.contains("Searching ascii2d"))
}

func TestBothStateKeepsCountingAfterEngine(t *testing.T) {
	t.Parallel()

	svc, sender := newTestService(&fakeDispatcher{})
	user := &tele.User{ID: 110}

	svc.handleStart(&tele.Message{Sender: user})
	sess, ok := svc.loadSession(user.ID)
	require.True(t, ok)
	require.Equal(t, stepAwaitBoth, sess.step)

	svc.handleText(textMsg(user, "iqdb"))
	sess, ok = svc.loadSession(user.ID)
	require.True(t, ok)
	require.Equal(t, stepAwaitBoth, sess.step, "engine alone keeps the combined state")
	require.Equal(t, "iqdb", sess.engine)

	// Unknown tokens still burn the shared budget after the engine is set.
	svc.handleText(textMsg(user, "gibberish"))
	svc.handleText(textMsg(user, "gibberish"))
	require.True(t, sender.contains("search canceled"))
	_, ok = svc.loadSession(user.ID)
	require.False(t, ok)
}

func TestNegativeMaxResultsDeliversEverything(t *testing.T) {
	t.Parallel()

	result := &search.Result{Engine: "yandex"}
	for _, title := range []string{"one", "two", "three", "four", "five"} {
		result.Items = append(result.Items, search.ResultItem{
			Title: title, URL: "https://example.com/" + title,
		})
	}

	svc, sender := newTestService(&fakeDispatcher{})
	user := &tele.User{ID: 111}

	svc.deliver(&session{user: user, opts: search.Options{MaxResults: -1}}, result)
	require.True(t, sender.contains("four"))
	require.True(t, sender.contains("five"))
}

func TestChunkedDeliveryNeedsConfirm(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{result: &search.Result{
		Engine: "yandex",
		Items: []search.ResultItem{
			{Title: "a", URL: "https://example.com/a", ExtraInfo: strings.Repeat("x", 2500)},
			{Title: "b", URL: "https://example.com/b", ExtraInfo: strings.Repeat("y", 2500)},
			{Title: "c", URL: "https://example.com/c", ExtraInfo: strings.Repeat("z", 2500)},
		},
	}}
	svc, sender := newTestService(dispatcher)
	user := &tele.User{ID: 103}

	svc.handleStart(&tele.Message{
		Sender:  user,
		Payload: "yandex",
		Photo:   &tele.Photo{File: tele.File{FileID: "photo-2"}},
	})
	require.Eventually(t, func() bool {
		return sender.contains("deliver them all?")
	}, time.Second, 10*time.Millisecond)

	sess, ok := svc.loadSession(user.ID)
	require.True(t, ok)
	require.Equal(t, stepAwaitTextConfirm, sess.step)
	require.Greater(t, len(sess.pending), 1)

	svc.handleText(textMsg(user, "YES"))
	require.True(t, sender.contains("[ part 1/"))
	_, ok = svc.loadSession(user.ID)
	require.False(t, ok)
}

func TestChunkedDeliveryDiscarded(t *testing.T) {
	t.Parallel()

	svc, sender := newTestService(&fakeDispatcher{})
	user := &tele.User{ID: 104}
	svc.storeSession(&session{
		user:    user,
		step:    stepAwaitTextConfirm,
		pending: []string{"part one", "part two"},
	})

	// Unrecognized input neither delivers nor discards.
	svc.handleText(textMsg(user, "maybe"))
	_, ok := svc.loadSession(user.ID)
	require.True(t, ok)

	svc.handleText(textMsg(user, "n"))
	require.True(t, sender.contains("Discarded."))
	require.False(t, sender.contains("part one"))
	_, ok = svc.loadSession(user.ID)
	require.False(t, ok)
}

func TestSearchErrorReported(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{err: context.DeadlineExceeded}
	svc, sender := newTestService(dispatcher)
	user := &tele.User{ID: 105}

	svc.handleStart(&tele.Message{
		Sender:  user,
		Payload: "tracemoe",
		Photo:   &tele.Photo{File: tele.File{FileID: "photo-3"}},
	})
	require.Eventually(t, func() bool {
		return sender.contains("[Error] search failed")
	}, time.Second, 10*time.Millisecond)
}

func TestSessionExpiry(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(&fakeDispatcher{})
	user := &tele.User{ID: 106}

	sess := &session{user: user, step: stepAwaitImage, engine: "yandex"}
	svc.storeSession(sess)
	sess.lastT = sess.lastT.Add(-defaultSessionTTL - time.Second)

	_, ok := svc.loadSession(user.ID)
	require.False(t, ok)
}

func TestSweeperEvictsIdleSessions(t *testing.T) {
	t.Parallel()

	svc, sender := newTestService(&fakeDispatcher{})
	idle := &tele.User{ID: 112}
	active := &tele.User{ID: 113}

	sess := &session{user: idle, step: stepAwaitImage, engine: "yandex"}
	svc.storeSession(sess)
	sess.lastT = sess.lastT.Add(-defaultSessionTTL - time.Second)
	svc.storeSession(&session{user: active, step: stepAwaitEngine})

	svc.evictExpired()

	_, ok := svc.loadSession(idle.ID)
	require.False(t, ok)
	require.True(t, sender.contains("Search timed out"))
	_, ok = svc.loadSession(active.ID)
	require.True(t, ok, "fresh sessions survive the sweep")
}

func TestPhotoCaptionStartsSearch(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{result: &search.Result{
		Engine: "copyseeker",
		Items:  []search.ResultItem{{Title: "hit", URL: "https://example.com/hit"}},
	}}
	svc, sender := newTestService(dispatcher)
	user := &tele.User{ID: 107}

	svc.handlePhoto(&tele.Message{
		Sender:  user,
		Caption: "/search copyseeker",
		Photo:   &tele.Photo{File: tele.File{FileID: "photo-4"}},
	})
	require.Eventually(t, func() bool {
		return sender.contains("hit")
	}, time.Second, 10*time.Millisecond)

	engine, file, _ := dispatcher.snapshot()
	require.Equal(t, "copyseeker", engine)
	require.NotEmpty(t, file)
}
