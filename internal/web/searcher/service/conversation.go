package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"
	tele "gopkg.in/telebot.v3"

	"github.com/Laisky/img-searcher/library/log"
	"github.com/Laisky/img-searcher/library/search"
)

// defaultEngineAliases maps what users type to canonical engine names.
// Operators extend it through settings.searcher.engine_keywords.
var defaultEngineAliases = map[string]string{
	"ascii2d":    "ascii2d",
	"ascii":      "ascii2d",
	"iqdb":       "iqdb",
	"tracemoe":   "tracemoe",
	"trace":      "tracemoe",
	"anime":      "tracemoe",
	"copyseeker": "copyseeker",
	"copy":       "copyseeker",
	"googlelens": "googlelens",
	"google":     "googlelens",
	"lens":       "googlelens",
	"yandex":     "yandex",
}

var engineBlurbs = map[string]string{
	"ascii2d":    "ascii2d.net, anime artwork by colour or feature hash (alias: ascii)",
	"iqdb":       "iqdb.org, booru artwork by perceptual hash, best for anime (2d/3d)",
	"tracemoe":   "trace.moe, anime screenshots to episode and timestamp (alias: trace, anime)",
	"copyseeker": "copyseeker.net, pages reusing the exact image, not anime-specific (alias: copy)",
	"googlelens": "Google Lens, generic web match (alias: google, lens)",
	"yandex":     "Yandex Images, generic web match",
}

// mergedAliases overlays operator-defined keywords on the built-in table.
// Keys are lowercased; keywords pointing at engines that do not exist at
// all are dropped so a settings typo cannot shadow a built-in alias.
func mergedAliases(custom map[string]string) map[string]string {
	aliases := make(map[string]string, len(defaultEngineAliases)+len(custom))
	for keyword, engine := range defaultEngineAliases {
		aliases[keyword] = engine
	}
	for keyword, engine := range custom {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		engine = strings.ToLower(strings.TrimSpace(engine))
		if keyword == "" || engine == "" {
			continue
		}
		if _, known := engineBlurbs[engine]; !known {
			log.Logger.Warn("skip keyword for unknown engine",
				zap.String("keyword", keyword), zap.String("engine", engine))
			continue
		}
		aliases[keyword] = engine
	}
	return aliases
}

func (s *Service) resolveEngine(text string) (string, bool) {
	canonical, ok := s.aliases[strings.ToLower(strings.TrimSpace(text))]
	if !ok || !s.dispatcher.Has(canonical) {
		return "", false
	}
	return canonical, true
}

// disabledEngine reports a recognised name whose engine is not registered,
// usually because its backend was turned off in the settings.
func (s *Service) disabledEngine(text string) (string, bool) {
	canonical, ok := s.aliases[strings.ToLower(strings.TrimSpace(text))]
	if ok && !s.dispatcher.Has(canonical) {
		return canonical, true
	}
	return "", false
}

func (s *Service) engineIntro() string {
	var b strings.Builder
	b.WriteString("Pick an engine by name:\n\n")
	for _, name := range s.dispatcher.Engines() {
		fmt.Fprintf(&b, "	%s - %s\n", name, engineBlurbs[name])
	}
	return b.String()
}

// handleStart opens a conversation from "/search [engine]". The command may
// already carry the image as an attachment or in the replied-to message.
func (s *Service) handleStart(m *tele.Message) {
	sess := &session{user: m.Sender, opts: s.defaultOpts}

	payload := strings.TrimSpace(m.Payload)
	if payload != "" {
		engine, ok := s.resolveEngine(payload)
		if !ok {
			sess.step = stepAwaitEngine
			if name, disabled := s.disabledEngine(payload); disabled {
				s.storeSession(sess)
				s.send(m.Sender, "Engine "+name+" is currently disabled, pick another.\n\n"+s.engineIntro())
				return
			}
			sess.attempts = 1
			s.storeSession(sess)
			s.send(m.Sender, "Unknown engine "+payload+".\n\n"+s.engineIntro())
			return
		}
		sess.engine = engine
	}

	s.attachImage(sess, m)

	switch {
	case sess.engine != "" && sess.hasImage():
		s.advance(sess)
	case sess.engine != "":
		sess.step = stepAwaitImage
		s.storeSession(sess)
		s.send(m.Sender, "Send the image to search for, as a photo or a direct image link.")
	case sess.hasImage():
		sess.step = stepAwaitEngine
		s.storeSession(sess)
		s.send(m.Sender, s.engineIntro())
	default:
		sess.step = stepAwaitBoth
		s.storeSession(sess)
		s.send(m.Sender, s.engineIntro()+"\nThen send the image, in either order.")
	}
}

func (s *Service) handleText(m *tele.Message) {
	sess, ok := s.loadSession(m.Sender.ID)
	if !ok {
		return
	}
	log.Logger.Debug("got message",
		zap.String("msg", m.Text), zap.Int64("sender", m.Sender.ID))

	switch sess.step {
	case stepAwaitEngine:
		s.stepEngine(sess, m.Text)
	case stepAwaitImage:
		s.stepImage(sess, m.Text)
	case stepAwaitBoth:
		s.stepBoth(sess, m.Text)
	case stepAwaitMode:
		s.stepMode(sess, m.Text)
	case stepAwaitTextConfirm:
		s.stepConfirm(sess, m.Text)
	default:
		log.Logger.Warn("unknown session step", zap.Int("step", int(sess.step)))
		s.deleteSession(m.Sender.ID)
	}
}

func (s *Service) handlePhoto(m *tele.Message) {
	if caption := strings.TrimSpace(m.Caption); strings.HasPrefix(caption, "/search") {
		m.Payload = strings.TrimSpace(strings.TrimPrefix(caption, "/search"))
		s.handleStart(m)
		return
	}

	sess, ok := s.loadSession(m.Sender.ID)
	if !ok {
		return
	}
	if sess.step != stepAwaitImage && sess.step != stepAwaitBoth {
		return
	}

	s.attachImage(sess, m)
	if !sess.hasImage() {
		s.send(sess.user, "Could not read that image, please send it again.")
		return
	}

	if sess.engine == "" {
		sess.step = stepAwaitEngine
		s.storeSession(sess)
		s.send(sess.user, "Image received.\n\n"+s.engineIntro())
		return
	}
	s.advance(sess)
}

// stepEngine consumes an engine name. Two unknown names in a row cancel the
// conversation.
func (s *Service) stepEngine(sess *session, text string) {
	engine, ok := s.resolveEngine(text)
	if !ok {
		if name, disabled := s.disabledEngine(text); disabled {
			s.storeSession(sess)
			s.send(sess.user, "Engine "+name+" is currently disabled, pick another.\n\n"+s.engineIntro())
			return
		}
		sess.attempts++
		if sess.attempts >= maxEngineAttempts {
			s.deleteSession(sess.user.ID)
			s.send(sess.user, "Too many unknown engine names, search canceled.")
			return
		}
		s.storeSession(sess)
		s.send(sess.user, "Unknown engine.\n\n"+s.engineIntro())
		return
	}

	sess.engine = engine
	if sess.hasImage() {
		s.advance(sess)
		return
	}
	sess.step = stepAwaitImage
	s.storeSession(sess)
	s.send(sess.user, "Send the image to search for, as a photo or a direct image link.")
}

// stepImage consumes an image link sent as text; photos arrive through
// handlePhoto instead.
func (s *Service) stepImage(sess *session, text string) {
	link := strings.TrimSpace(text)
	if !search.IsImageURL(link) {
		s.send(sess.user, "That does not look like an image link, send a photo or a direct https link to a jpg/png/gif/webp/bmp.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !search.IsSafeURL(ctx, link) {
		log.Logger.Warn("rejected image link", zap.String("url", link))
		s.send(sess.user, "That link cannot be used, send a different one.")
		return
	}

	sess.imageURL = link
	if sess.engine == "" {
		sess.step = stepAwaitEngine
		s.storeSession(sess)
		s.send(sess.user, "Image received.\n\n"+s.engineIntro())
		return
	}
	s.advance(sess)
}

// stepBoth accepts either an engine name or an image link, whichever the
// user sends first.
func (s *Service) stepBoth(sess *session, text string) {
	if engine, ok := s.resolveEngine(text); ok {
		// Stay in the combined state so repeated unknown tokens keep
		// counting toward cancellation.
		sess.engine = engine
		s.storeSession(sess)
		s.send(sess.user, "Send the image to search for, as a photo or a direct image link.")
		return
	}
	if search.IsImageURL(strings.TrimSpace(text)) {
		s.stepImage(sess, text)
		return
	}
	if name, disabled := s.disabledEngine(text); disabled {
		s.storeSession(sess)
		s.send(sess.user, "Engine "+name+" is currently disabled, pick another.\n\n"+s.engineIntro())
		return
	}

	sess.attempts++
	if sess.attempts >= maxEngineAttempts {
		s.deleteSession(sess.user.ID)
		s.send(sess.user, "Too many unknown engine names, search canceled.")
		return
	}
	s.storeSession(sess)
	s.send(sess.user, "Unknown engine.\n\n"+s.engineIntro())
}

// stepMode reads the search-mode choice. Invalid input re-prompts without
// counting against the attempt budget.
func (s *Service) stepMode(sess *session, text string) {
	choice := strings.TrimSpace(text)
	switch sess.engine {
	case "ascii2d":
		switch choice {
		case "", "1":
		case "2":
			sess.opts.Bovw = true
		default:
			s.send(sess.user, s.modePrompt(sess.engine))
			return
		}
	case "iqdb":
		switch choice {
		case "", "1":
		case "2":
			sess.opts.Is3D = true
		default:
			s.send(sess.user, s.modePrompt(sess.engine))
			return
		}
	}
	s.runSearch(sess)
}

// stepConfirm delivers an oversized result after an explicit yes. An
// explicit no discards it; anything else leaves the session waiting until
// the sweep times it out.
func (s *Service) stepConfirm(sess *session, text string) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes", "是":
		s.deleteSession(sess.user.ID)
		total := len(sess.pending)
		for i, chunk := range sess.pending {
			s.send(sess.user, fmt.Sprintf("[ part %d/%d ]\n%s", i+1, total, chunk))
		}
	case "n", "no":
		s.deleteSession(sess.user.ID)
		s.send(sess.user, "Discarded.")
	}
}

func (s *Service) modePrompt(engine string) string {
	switch engine {
	case "ascii2d":
		return "Reply number:\n\n	1 - colour hash (default)\n	2 - feature hash (bovw)\n"
	case "iqdb":
		return "Reply number:\n\n	1 - 2d artwork (default)\n	2 - 3d / photographic\n"
	default:
		return ""
	}
}

// advance moves a session that has both engine and image to the mode prompt
// when the engine has one, otherwise straight to the search.
func (s *Service) advance(sess *session) {
	if s.modePrompt(sess.engine) != "" {
		sess.step = stepAwaitMode
		s.storeSession(sess)
		s.send(sess.user, s.modePrompt(sess.engine))
		return
	}
	s.runSearch(sess)
}

// runSearch dispatches in the background so the poller keeps serving other
// users; the session is resurrected only when the result needs a delivery
// confirmation.
func (s *Service) runSearch(sess *session) {
	s.deleteSession(sess.user.ID)
	if !sess.hasImage() {
		s.send(sess.user, "Image data lost, start over with /search.")
		return
	}
	s.send(sess.user, "Searching "+sess.engine+"...")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.searchTimeout)
		defer cancel()

		result, err := s.dispatcher.Dispatch(ctx, sess.engine, sess.file, sess.imageURL, sess.opts)
		if err != nil {
			log.Logger.Warn("search failed",
				zap.String("engine", sess.engine), zap.Error(err))
			s.send(sess.user, "[Error] search failed: "+err.Error())
			return
		}

		s.deliver(sess, result)
	}()
}

func (s *Service) deliver(sess *session, result *search.Result) {
	if result.Empty() {
		msg := "No results found."
		if result.Note != "" {
			msg += " (" + result.Note + ")"
		}
		s.send(sess.user, msg)
		return
	}

	// A negative max_results setting delivers every item.
	var text string
	if sess.opts.MaxResults < 0 {
		text = result.RenderAll()
	} else {
		text = result.Render(sess.opts.MaxResults)
	}
	chunks := search.SplitByLength(text, search.DefaultChunkLength)
	if len(chunks) <= 1 {
		s.send(sess.user, text)
		return
	}

	if s.autoSend {
		for i, chunk := range chunks {
			s.send(sess.user, fmt.Sprintf("[ part %d/%d ]\n%s", i+1, len(chunks), chunk))
		}
		return
	}

	sess.pending = chunks
	sess.step = stepAwaitTextConfirm
	s.storeSession(sess)
	s.send(sess.user, fmt.Sprintf(
		"The result spans %d messages, deliver them all? Reply y or yes.", len(chunks)))
}

func (sess *session) hasImage() bool {
	return len(sess.file) > 0 || sess.imageURL != ""
}

// attachImage pulls image bytes out of the message or the message it
// replies to. Candidates download concurrently and the first one wins in
// message-before-reply order.
func (s *Service) attachImage(sess *session, m *tele.Message) {
	var files []*tele.File
	for _, msg := range []*tele.Message{m, m.ReplyTo} {
		if msg == nil {
			continue
		}
		if msg.Photo != nil {
			files = append(files, &msg.Photo.File)
		}
		if msg.Document != nil && strings.HasPrefix(msg.Document.MIME, "image/") {
			files = append(files, &msg.Document.File)
		}
	}
	if len(files) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	downloaded := make([][]byte, len(files))
	var pool errgroup.Group
	for i, file := range files {
		pool.Go(func() error {
			data, err := s.downloadFile(ctx, file)
			if err != nil {
				log.Logger.Warn("download attached image", zap.Error(err))
				return nil
			}
			downloaded[i] = data
			return nil
		})
	}
	_ = pool.Wait()

	for _, data := range downloaded {
		if len(data) > 0 {
			sess.file = data
			return
		}
	}
}

func (s *Service) downloadFile(ctx context.Context, file *tele.File) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "download canceled")
	}

	rc, err := s.files.File(file)
	if err != nil {
		return nil, errors.Wrap(err, "open telegram file")
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrap(err, "read telegram file")
	}
	return data, nil
}
