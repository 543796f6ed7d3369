package service

import (
	"context"
	"time"

	gutils "github.com/Laisky/go-utils/v6"
	tele "gopkg.in/telebot.v3"

	"github.com/Laisky/img-searcher/library/search"
)

const (
	defaultSessionTTL    = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
	defaultSearchTimeout = 2 * time.Minute

	// maxEngineAttempts cancels the conversation after repeated unknown
	// engine names.
	maxEngineAttempts = 2
)

type sessionStep int

const (
	stepAwaitEngine sessionStep = iota + 1
	stepAwaitImage
	stepAwaitBoth
	stepAwaitMode
	stepAwaitTextConfirm
)

// session tracks one user's conversation. The zero value is never stored;
// lastT refreshes on every accepted message.
type session struct {
	user     *tele.User
	step     sessionStep
	engine   string
	file     []byte
	imageURL string
	opts     search.Options
	attempts int
	pending  []string
	lastT    time.Time
}

func (s *session) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.lastT) > ttl
}

func (s *Service) storeSession(sess *session) {
	sess.lastT = gutils.Clock.GetUTCNow()
	s.sessions.Store(sess.user.ID, sess)
}

func (s *Service) loadSession(uid int64) (*session, bool) {
	raw, ok := s.sessions.Load(uid)
	if !ok {
		return nil, false
	}

	sess := raw.(*session)
	if sess.expired(gutils.Clock.GetUTCNow(), s.sessionTTL) {
		s.sessions.Delete(uid)
		return nil, false
	}
	return sess, true
}

func (s *Service) deleteSession(uid int64) {
	s.sessions.Delete(uid)
}

// sweepSessions evicts idle conversations and tells their owners. Without
// the sweep an abandoned session would only die on the user's next message.
func (s *Service) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.evictExpired()
	}
}

// evictExpired removes every timed-out session and tells its owner.
func (s *Service) evictExpired() {
	now := gutils.Clock.GetUTCNow()
	s.sessions.Range(func(key, value any) bool {
		sess := value.(*session)
		if !sess.expired(now, s.sessionTTL) {
			return true
		}
		s.sessions.Delete(key)
		s.send(sess.user, "Search timed out, start over with /search.")
		return true
	})
}
