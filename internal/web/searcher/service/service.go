// Package service runs the reverse-image-search bot: it owns the per-user
// conversation state and routes completed requests into the search registry.
package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	"github.com/Laisky/zap"
	tele "gopkg.in/telebot.v3"

	"github.com/Laisky/img-searcher/library/log"
	"github.com/Laisky/img-searcher/library/search"
)

// Instance is the process-wide bot service.
var Instance *Service

// Initialize builds Instance from the shared config.
func Initialize(ctx context.Context, registry *search.Registry) {
	var err error
	if Instance, err = New(
		ctx,
		registry,
		gconfig.Shared.GetString("settings.searcher.telegram.token"),
		gconfig.Shared.GetString("settings.searcher.telegram.api"),
	); err != nil {
		log.Logger.Panic("new searcher service", zap.Error(err))
	}

	Instance.autoSend = gconfig.Shared.GetBool("settings.searcher.auto_send")
	Instance.aliases = mergedAliases(
		gconfig.Shared.GetStringMapString("settings.searcher.engine_keywords"))
	if ttl := gconfig.Shared.GetDuration("settings.searcher.timeouts.session_ttl"); ttl > 0 {
		Instance.sessionTTL = ttl
	}
	if interval := gconfig.Shared.GetDuration("settings.searcher.timeouts.sweep_interval"); interval > 0 {
		Instance.sweepInterval = interval
	}
	if timeout := gconfig.Shared.GetDuration("settings.searcher.timeouts.search"); timeout > 0 {
		Instance.searchTimeout = timeout
	}
	Instance.defaultOpts = search.Options{
		ForceGray:  gconfig.Shared.GetBool("settings.searcher.defaults.force_gray"),
		CutBorders: gconfig.Shared.GetBool("settings.searcher.defaults.cut_borders"),
		MaxResults: gconfig.Shared.GetInt("settings.searcher.defaults.max_results"),
		HL:         gconfig.Shared.GetString("settings.searcher.defaults.hl"),
		Country:    gconfig.Shared.GetString("settings.searcher.defaults.country"),
	}
}

// Dispatcher routes a search request to a named engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, engine string, file []byte, imageURL string,
		opts search.Options) (*search.Result, error)
	Engines() []string
	Has(name string) bool
}

// messenger is the outbound half of the bot, split out so conversations can
// be exercised without a live connection.
type messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// fileFetcher downloads a telegram file.
type fileFetcher interface {
	File(file *tele.File) (io.ReadCloser, error)
}

// Service is the bot runtime.
type Service struct {
	stop chan struct{}
	bot  *tele.Bot

	sender     messenger
	files      fileFetcher
	dispatcher Dispatcher
	sessions   *sync.Map
	// aliases maps user keywords to canonical engine names, built-in
	// plus operator-defined.
	aliases map[string]string

	// defaultOpts seeds every new session with the operator's preferred
	// per-engine tunables.
	defaultOpts search.Options
	// autoSend skips the delivery confirmation for oversized results.
	autoSend      bool
	searchTimeout time.Duration
	sessionTTL    time.Duration
	sweepInterval time.Duration
}

// New creates the bot, wires the handlers and starts polling plus the
// session sweeper. Both goroutines exit when ctx is done or Stop is called.
func New(ctx context.Context, dispatcher Dispatcher, token, api string) (*Service, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		URL:    api,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, errors.Wrap(err, "new telegram bot")
	}

	svc := &Service{
		stop:          make(chan struct{}),
		bot:           bot,
		sender:        bot,
		files:         bot,
		dispatcher:    dispatcher,
		sessions:      new(sync.Map),
		aliases:       mergedAliases(nil),
		searchTimeout: defaultSearchTimeout,
		sessionTTL:    defaultSessionTTL,
		sweepInterval: defaultSweepInterval,
	}

	svc.registerHandlers()
	go bot.Start()
	go svc.sweepSessions(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-svc.stop:
		}
		bot.Stop()
	}()

	return svc, nil
}

// Stop halts polling.
func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) registerHandlers() {
	s.bot.Handle("/search", func(c tele.Context) error {
		s.handleStart(c.Message())
		return nil
	})
	s.bot.Handle("/engines", func(c tele.Context) error {
		s.send(c.Sender(), s.engineIntro())
		return nil
	})
	s.bot.Handle("/cancel", func(c tele.Context) error {
		if _, ok := s.loadSession(c.Sender().ID); ok {
			s.deleteSession(c.Sender().ID)
			s.send(c.Sender(), "Search canceled.")
		}
		return nil
	})
	s.bot.Handle(tele.OnText, func(c tele.Context) error {
		s.handleText(c.Message())
		return nil
	})
	s.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		s.handlePhoto(c.Message())
		return nil
	})
	s.bot.Handle(tele.OnDocument, func(c tele.Context) error {
		s.handlePhoto(c.Message())
		return nil
	})
}

func (s *Service) send(to *tele.User, text string) {
	if _, err := s.sender.Send(to, text); err != nil {
		log.Logger.Error("send msg", zap.Error(err), zap.Int64("to", to.ID))
	}
}
