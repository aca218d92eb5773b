package editor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/liveedit/bridge"
	"github.com/hazyhaar/liveedit/mutation"
	"github.com/hazyhaar/liveedit/sitetree"
)

// SurfaceOption configures a Surface.
type SurfaceOption func(*Surface)

// WithRenderer sets the renderer. Default: HTMLRenderer.
func WithRenderer(r Renderer) SurfaceOption {
	return func(s *Surface) { s.renderer = r }
}

// WithSafeImg sets the image URL sanitizer passed to the renderer.
func WithSafeImg(fn SafeImg) SurfaceOption {
	return func(s *Surface) { s.safeImg = fn }
}

// WithSurfaceLogger sets the logger. Default: slog.Default().
func WithSurfaceLogger(l *slog.Logger) SurfaceOption {
	return func(s *Surface) { s.logger = l }
}

// OnRender is called with the markup after every re-render.
func OnRender(fn func(tree sitetree.Tree, markup []byte)) SurfaceOption {
	return func(s *Surface) { s.onRender = fn }
}

// OnHistory is called with every HistoryUpdate the surface receives.
func OnHistory(fn func(bridge.HistoryUpdate)) SurfaceOption {
	return func(s *Surface) { s.onHistory = fn }
}

// WithBatcher groups in-place mutation records before reporting them.
func WithBatcher(cfg mutation.BatcherConfig) SurfaceOption {
	return func(s *Surface) { s.batchCfg = &cfg }
}

// Surface is the Content Surface: a disposable view of the host's tree. It
// re-renders wholesale from UpdateBootstrapData and reports in-place edits
// upward without touching its own copy.
type Surface struct {
	ep        *bridge.Endpoint
	renderer  Renderer
	safeImg   SafeImg
	logger    *slog.Logger
	onRender  func(sitetree.Tree, []byte)
	onHistory func(bridge.HistoryUpdate)
	batchCfg  *mutation.BatcherConfig
	batcher   *mutation.Batcher

	mu       sync.Mutex
	tree     sitetree.Tree
	markup   []byte
	history  bridge.HistoryUpdate
	auth     *authRound
}

// authRound is one RequestAuthStatus/AuthStatusResponse exchange. ok is
// written before done is closed and never after.
type authRound struct {
	done chan struct{}
	ok   bool
}

func newAuthRound() *authRound { return &authRound{done: make(chan struct{})} }

func (r *authRound) answered() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// NewSurface binds a surface to its endpoint. The caller runs ep.Run.
func NewSurface(ep *bridge.Endpoint, opts ...SurfaceOption) *Surface {
	s := &Surface{
		ep:   ep,
		auth: newAuthRound(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.renderer == nil {
		s.renderer = HTMLRenderer{}
	}
	if s.safeImg == nil {
		s.safeImg = NewSafeImg("")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.batchCfg != nil {
		s.batcher = mutation.NewBatcher(*s.batchCfg, func(b mutation.Batch) {
			s.report(context.Background(), b.Records)
		})
	}

	ep.Handle(bridge.KindUpdateBootstrapData, func(ctx context.Context, m bridge.Message) {
		s.bootstrap(ctx, m.(bridge.UpdateBootstrapData).Data)
	})
	ep.Handle(bridge.KindHistoryUpdate, func(_ context.Context, m bridge.Message) {
		hu := m.(bridge.HistoryUpdate)
		s.mu.Lock()
		s.history = hu
		s.mu.Unlock()
		if s.onHistory != nil {
			s.onHistory(hu)
		}
	})
	ep.Handle(bridge.KindAuthStatusResponse, func(_ context.Context, m bridge.Message) {
		ok := m.(bridge.AuthStatusResponse).IsAuthenticated
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.auth.answered() {
			return
		}
		s.auth.ok = ok
		close(s.auth.done)
	})
	return s
}

func (s *Surface) bootstrap(ctx context.Context, tree sitetree.Tree) {
	markup, err := s.renderer.Render(ctx, tree, s.safeImg)
	if err != nil {
		s.logger.Error("editor: surface render failed", "error", err)
	}
	s.mu.Lock()
	s.tree = tree
	if err == nil {
		s.markup = markup
	}
	s.mu.Unlock()
	if err == nil && s.onRender != nil {
		s.onRender(tree, markup)
	}
}

// Load starts a surface lifetime: the auth answer is forgotten and asked
// again, and the history affordances are requested. Callers already waiting
// in Authenticated get the first answer that arrives.
func (s *Surface) Load(ctx context.Context) {
	s.mu.Lock()
	if s.auth.answered() {
		s.auth = newAuthRound()
	}
	s.mu.Unlock()
	s.ep.Post(ctx, bridge.RequestAuthStatus{})
	s.ep.Post(ctx, bridge.RequestHistoryStatus{})
}

// Authenticated waits for the answer to the RequestAuthStatus sent by Load.
func (s *Surface) Authenticated(ctx context.Context) (bool, error) {
	s.mu.Lock()
	r := s.auth
	s.mu.Unlock()

	select {
	case <-r.done:
		return r.ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// EditInPlace reports a direct text or image edit on the element at path.
func (s *Surface) EditInPlace(ctx context.Context, path string, value any, elementType string) error {
	if _, err := sitetree.ParsePath(path); err != nil {
		return err
	}
	s.ep.Post(ctx, bridge.UpdateElement{Path: path, NewValue: value, ElementType: elementType})
	return nil
}

// DeleteInPlace reports that the user removed the element at path.
func (s *Surface) DeleteInPlace(ctx context.Context, path, elementType, reason string) error {
	if _, err := sitetree.ParsePath(path); err != nil {
		return err
	}
	s.ep.Post(ctx, bridge.DeleteElement{Path: path, ElementType: elementType, Reason: reason})
	return nil
}

// Record feeds one observed DOM mutation. With a batcher configured it is
// reported after the quiet window, otherwise immediately.
func (s *Surface) Record(ctx context.Context, rec mutation.Record) {
	if s.batcher != nil {
		s.batcher.Add(rec)
		return
	}
	s.report(ctx, []mutation.Record{rec})
}

// FlushMutations reports buffered mutation records now.
func (s *Surface) FlushMutations() {
	if s.batcher != nil {
		s.batcher.Flush()
	}
}

func (s *Surface) report(ctx context.Context, records []mutation.Record) {
	for _, m := range mutation.Messages(mutation.Compress(records)) {
		s.ep.Post(ctx, m)
	}
}

// Undo asks the host to step back.
func (s *Surface) Undo(ctx context.Context) { s.ep.Post(ctx, bridge.Undo{}) }

// Redo asks the host to step forward.
func (s *Surface) Redo(ctx context.Context) { s.ep.Post(ctx, bridge.Redo{}) }

// Tree returns the last tree pushed by the host.
func (s *Surface) Tree() sitetree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Markup returns the last rendered markup.
func (s *Surface) Markup() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markup
}

// History returns the last affordances received.
func (s *Surface) History() bridge.HistoryUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}
