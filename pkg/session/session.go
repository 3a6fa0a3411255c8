package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/auth"
	"github.com/pulsedb/pulse/pkg/codel"
	"github.com/pulsedb/pulse/pkg/commit"
	"github.com/pulsedb/pulse/pkg/interval"
	"github.com/pulsedb/pulse/pkg/log"
	"github.com/pulsedb/pulse/pkg/metrics"
	"github.com/pulsedb/pulse/pkg/runtime"
	"github.com/pulsedb/pulse/pkg/runtime/modules"
	"github.com/pulsedb/pulse/pkg/subscribe"
	"github.com/pulsedb/pulse/pkg/types"
	"github.com/rs/zerolog"
)

// State is one stage of the Handshake -> Authenticated -> Active ->
// Draining -> Closed machine of §4.8.
type State int

const (
	StateHandshake State = iota
	StateAuthenticated
	StateActive
	StateDraining
	StateClosed
)

// Conn is the minimal transport a Worker needs; *websocket.Conn satisfies
// it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// EnvAdmin sets/unsets sealed environment variables, the §6 `env
// set/unset` admin surface.
type EnvAdmin interface {
	Set(ctx context.Context, name, value string, isSecret bool) error
	Unset(ctx context.Context, name string) error
}

// Config tunes per-session admission and liveness knobs.
type Config struct {
	QueueCapacity        int
	IdleExpiration       time.Duration
	CongestedExpiration  time.Duration
	PingInterval         time.Duration
	OutboundBufferSize   int
}

// DefaultConfig mirrors the magnitudes implied by §4.8/§4.9.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:       128,
		IdleExpiration:      5 * time.Second,
		CongestedExpiration: 100 * time.Millisecond,
		PingInterval:        20 * time.Second,
		OutboundBufferSize:  256,
	}
}

type liveQuery struct {
	spec     querySpec
	lastSent interface{}
}

// Worker runs one client connection's entire lifetime on a single
// goroutine, fed by a pkg/codel admission queue so every message — from
// whichever of the three concurrent client streams (§4.8) it arrived on —
// is processed in strict arrival order.
type Worker struct {
	conn     Conn
	idProv   IdentityProvider
	subs     *subscribe.Manager
	host     *runtime.Host
	modules  *modules.Store
	committer *commit.Coordinator
	env      EnvAdmin
	cfg      Config
	logger   zerolog.Logger

	sendQ codel.Sender[envelope]
	recvQ codel.Receiver[envelope]
	frames chan envelope
	out    chan []byte

	mu           sync.Mutex
	sessionID    string
	state        State
	identity     auth.Identity
	queryVersion uint32
	liveQueries  map[string]*liveQuery
	lastEndTS    types.Timestamp

	invalidations chan subscribe.Invalidation
}

// NewWorker constructs a session bound to conn. Run must be called to
// drive its lifetime.
func NewWorker(conn Conn, idProv IdentityProvider, subs *subscribe.Manager, host *runtime.Host, mods *modules.Store, committer *commit.Coordinator, env EnvAdmin, cfg Config) *Worker {
	sendQ, recvQ := codel.NewAsync[envelope](cfg.QueueCapacity, cfg.IdleExpiration, cfg.CongestedExpiration)
	return &Worker{
		conn:          conn,
		idProv:        idProv,
		subs:          subs,
		host:          host,
		modules:       mods,
		committer:     committer,
		env:           env,
		cfg:           cfg,
		logger:        log.WithComponent("session"),
		sendQ:         sendQ,
		recvQ:         recvQ,
		frames:        make(chan envelope, cfg.QueueCapacity),
		out:           make(chan []byte, cfg.OutboundBufferSize),
		state:         StateHandshake,
		liveQueries:   make(map[string]*liveQuery),
		invalidations: make(chan subscribe.Invalidation, 64),
	}
}

// SessionID implements subscribe.Session.
func (w *Worker) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Notify implements subscribe.Session: C7 calls this from the commit
// coordinator's goroutine, so it only enqueues — the rerun itself happens
// on the session's own loop goroutine.
func (w *Worker) Notify(inv subscribe.Invalidation) {
	select {
	case w.invalidations <- inv:
	default:
		w.logger.Warn().Str("session_id", w.SessionID()).Msg("dropping invalidation, session backlog full")
	}
}

// Run drives the connection until ctx is canceled, the client closes, or
// a fatal protocol error occurs. It blocks until the session is closed.
func (w *Worker) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer w.closeConn()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); w.readPump(ctx, cancel) }()
	go func() { defer wg.Done(); w.writePump(ctx) }()
	go func() { defer wg.Done(); w.pumpQueue(ctx) }()

	w.loop(ctx)
	cancel()
	wg.Wait()
}

// readPump decodes inbound WebSocket frames and admits them onto the
// CoDel queue; a full queue drops the frame rather than blocking the
// reader, per §4.8's backpressure model.
func (w *Worker) readPump(ctx context.Context, cancel context.CancelFunc) {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			cancel()
			return
		}
		var env envelope
		if err := decodeEnvelope(data, &env); err != nil {
			continue
		}
		if err := w.sendQ.TrySend(env); err != nil {
			metrics.CodelExpiredTotal.WithLabelValues("session").Inc()
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// pumpQueue drains the CoDel receiver into the buffered frames channel
// the single-threaded loop selects on, counting expired-in-queue drops.
func (w *Worker) pumpQueue(ctx context.Context) {
	defer close(w.frames)
	for {
		item, err, ok := w.recvQ.Next(ctx)
		if !ok {
			return
		}
		if err != nil {
			metrics.CodelExpiredTotal.WithLabelValues("session").Inc()
			continue
		}
		select {
		case w.frames <- item:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) writePump(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case b, ok := <-w.out:
			if !ok {
				return
			}
			if err := w.conn.WriteMessage(1, b); err != nil {
				return
			}
		case <-ticker.C:
			if b, err := encode("Ping", struct{}{}); err == nil {
				_ = w.conn.WriteMessage(1, b)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case env, ok := <-w.frames:
			if !ok {
				return
			}
			w.handle(ctx, env)
		case inv := <-w.invalidations:
			w.handleInvalidation(ctx, inv)
		case <-ctx.Done():
			return
		}
		if w.currentState() == StateClosed {
			return
		}
	}
}

func (w *Worker) currentState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) handle(ctx context.Context, env envelope) {
	switch w.currentState() {
	case StateHandshake:
		w.handleHandshake(ctx, env)
	case StateAuthenticated:
		w.handleAuthenticate(ctx, env)
	case StateActive:
		w.handleActive(ctx, env)
	default:
	}
}

func (w *Worker) handleHandshake(ctx context.Context, env envelope) {
	if env.Type != "Connect" {
		w.fatal("expected Connect as the first message")
		return
	}
	var msg connectMsg
	if err := unmarshal(env.Data, &msg); err != nil {
		w.fatal("malformed Connect")
		return
	}
	w.mu.Lock()
	w.sessionID = msg.SessionID
	if w.sessionID == "" {
		w.sessionID = uuid.NewString()
	}
	w.mu.Unlock()
	if msg.LastSeenConnectionCount > 0 {
		w.logger.Info().Str("session_id", w.sessionID).Str("last_close_reason", msg.LastCloseReason).Msg("session reconnected")
	}

	endTS := w.committer.LastCommitTS()
	w.send("Transition", transitionOut{StartTS: 0, EndTS: endTS, Modifications: []modificationOut{}})
	w.mu.Lock()
	w.lastEndTS = endTS
	w.mu.Unlock()
	w.setState(StateAuthenticated)
}

func (w *Worker) handleAuthenticate(ctx context.Context, env envelope) {
	if env.Type != "Authenticate" {
		// Active-stream messages are tolerated here as an anonymous
		// session, matching clients that skip Authenticate entirely.
		w.mu.Lock()
		w.identity = auth.Identity{Kind: auth.KindUser}
		w.mu.Unlock()
		w.setState(StateActive)
		w.handleActive(ctx, env)
		return
	}
	var msg authenticateMsg
	if err := unmarshal(env.Data, &msg); err != nil {
		w.sendAuthError("malformed Authenticate")
		return
	}
	if msg.Token == nil || *msg.Token == "" {
		w.mu.Lock()
		w.identity = auth.Identity{Kind: auth.KindUser}
		w.mu.Unlock()
		w.setState(StateActive)
		return
	}
	identity, err := w.idProv.Validate(ctx, *msg.Token)
	if err != nil {
		w.sendAuthError(err.Error())
		return
	}
	w.mu.Lock()
	w.identity = identity
	w.mu.Unlock()
	w.setState(StateActive)
}

func (w *Worker) handleActive(ctx context.Context, env envelope) {
	switch env.Type {
	case "ModifyQuerySet":
		w.handleModifyQuerySet(ctx, env)
	case "Mutation":
		w.handleMutation(ctx, env)
	case "Action":
		w.handleAction(ctx, env)
	case "Event":
		w.handleEvent(env)
	case "Deploy":
		w.handleDeploy(ctx, env)
	case "EnvSet":
		w.handleEnvSet(ctx, env)
	case "EnvUnset":
		w.handleEnvUnset(ctx, env)
	case "Authenticate":
		w.handleAuthenticate(ctx, env)
	default:
		w.fatal("unknown message type in Active state")
	}
}

// handleDeploy pushes a function bundle to the module store (§6's `deploy`
// admin command). Deploying touches the reserved "_functions" tablet, so
// it requires a caller identity that can access system tables.
func (w *Worker) handleDeploy(ctx context.Context, env envelope) {
	var msg deployMsg
	if err := unmarshal(env.Data, &msg); err != nil {
		w.fatal("malformed Deploy")
		return
	}
	identity := w.currentIdentity()
	if !identity.CanAccessSystemTables() {
		w.send("DeployResponse", deployResponseOut{RequestID: msg.RequestID, Error: &errorOut{Kind: string(apperror.Unauthorized), Message: "deploy requires an admin identity"}})
		return
	}
	commitTS, err := w.modules.Deploy(ctx, msg.ComponentPath, msg.Path, msg.Source)
	w.send("DeployResponse", deployResponseOut{RequestID: msg.RequestID, CommitTS: commitTS, Error: errorOutFrom(err)})
}

// handleEnvSet seals and stores an environment variable (§6's `env set`
// admin command). Like Deploy, it requires a system-table-capable identity.
func (w *Worker) handleEnvSet(ctx context.Context, env envelope) {
	var msg envSetMsg
	if err := unmarshal(env.Data, &msg); err != nil {
		w.fatal("malformed EnvSet")
		return
	}
	identity := w.currentIdentity()
	if !identity.CanAccessSystemTables() {
		w.send("EnvSetResponse", envResponseOut{RequestID: msg.RequestID, Error: &errorOut{Kind: string(apperror.Unauthorized), Message: "env set requires an admin identity"}})
		return
	}
	err := w.env.Set(ctx, msg.Name, msg.Value, msg.IsSecret)
	w.send("EnvSetResponse", envResponseOut{RequestID: msg.RequestID, Error: errorOutFrom(err)})
}

// handleEnvUnset removes an environment variable (§6's `env unset`).
func (w *Worker) handleEnvUnset(ctx context.Context, env envelope) {
	var msg envUnsetMsg
	if err := unmarshal(env.Data, &msg); err != nil {
		w.fatal("malformed EnvUnset")
		return
	}
	identity := w.currentIdentity()
	if !identity.CanAccessSystemTables() {
		w.send("EnvUnsetResponse", envResponseOut{RequestID: msg.RequestID, Error: &errorOut{Kind: string(apperror.Unauthorized), Message: "env unset requires an admin identity"}})
		return
	}
	err := w.env.Unset(ctx, msg.Name)
	w.send("EnvUnsetResponse", envResponseOut{RequestID: msg.RequestID, Error: errorOutFrom(err)})
}

func (w *Worker) handleEvent(env envelope) {
	var msg eventMsg
	if err := unmarshal(env.Data, &msg); err != nil {
		return
	}
	w.logger.Info().Str("session_id", w.SessionID()).Str("event", msg.Name).Interface("payload", msg.Payload).Msg("client telemetry")
}

func (w *Worker) handleModifyQuerySet(ctx context.Context, env envelope) {
	var msg modifyQuerySetMsg
	if err := unmarshal(env.Data, &msg); err != nil {
		w.fatal("malformed ModifyQuerySet")
		return
	}

	w.mu.Lock()
	current := w.queryVersion
	w.mu.Unlock()
	if msg.BaseVersion != current {
		w.fatal("query set base_version mismatch")
		return
	}

	for _, qid := range msg.Remove {
		w.subs.Remove(qid)
		w.mu.Lock()
		delete(w.liveQueries, qid)
		w.mu.Unlock()
	}

	var mods []modificationOut
	beginTS := w.committer.LastCommitTS()
	for _, spec := range msg.Add {
		mod := w.runQueryAndSubscribe(ctx, beginTS, spec)
		mods = append(mods, mod)
	}

	w.mu.Lock()
	w.queryVersion++
	lastEnd := w.lastEndTS
	w.lastEndTS = beginTS
	w.mu.Unlock()

	if len(mods) > 0 {
		w.send("Transition", transitionOut{StartTS: lastEnd, EndTS: beginTS, Modifications: mods})
	}
}

func (w *Worker) runQueryAndSubscribe(ctx context.Context, beginTS types.Timestamp, spec querySpec) modificationOut {
	identity := w.currentIdentity()
	path, export := splitUDFPath(spec.UDFPath)
	source, err := w.modules.ResolveAt(ctx, beginTS, spec.ComponentPath, path)
	if err != nil {
		return modificationOut{QueryID: spec.QueryID, Error: errorOutFrom(err)}
	}

	call := runtime.Call{RequestID: uuid.NewString(), Source: source, Export: export, Args: spec.Args, Identity: identity}
	res, err := w.host.RunQuery(ctx, beginTS, call)
	if err != nil {
		return modificationOut{QueryID: spec.QueryID, Error: errorOutFrom(err)}
	}

	for _, iv := range res.Intervals {
		key := interval.Key{Start: iv.Interval.Start, End: iv.Interval.End}
		if err := w.subs.Insert(w, spec.QueryID, iv.IndexID, []interval.Key{key}); err != nil {
			w.logger.Warn().Err(err).Str("query_id", spec.QueryID).Msg("subscription registration failed")
		}
	}

	w.mu.Lock()
	w.liveQueries[spec.QueryID] = &liveQuery{spec: spec, lastSent: res.Value}
	w.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	return modificationOut{QueryID: spec.QueryID, Value: res.Value}
}

func (w *Worker) currentIdentity() auth.Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity
}

func (w *Worker) handleMutation(ctx context.Context, env envelope) {
	var msg callMsg
	if err := unmarshal(env.Data, &msg); err != nil {
		w.fatal("malformed Mutation")
		return
	}
	identity := w.currentIdentity()
	path, export := splitUDFPath(msg.UDFPath)
	beginTS := w.committer.LastCommitTS()
	source, err := w.modules.ResolveAt(ctx, beginTS, msg.ComponentPath, path)
	if err != nil {
		w.send("MutationResponse", mutationResponseOut{RequestID: msg.RequestID, Error: errorOutFrom(err)})
		return
	}

	call := runtime.Call{RequestID: msg.RequestID, Source: source, Export: export, Args: msg.Args, Identity: identity}
	res, err := w.host.RunMutation(ctx, w.committer.LastCommitTS, call)
	if err != nil {
		w.send("MutationResponse", mutationResponseOut{RequestID: msg.RequestID, Error: errorOutFrom(err)})
		return
	}
	w.send("MutationResponse", mutationResponseOut{RequestID: msg.RequestID, Result: res.Value, TS: res.CommitTS})
}

func (w *Worker) handleAction(ctx context.Context, env envelope) {
	var msg callMsg
	if err := unmarshal(env.Data, &msg); err != nil {
		w.fatal("malformed Action")
		return
	}
	identity := w.currentIdentity()
	path, export := splitUDFPath(msg.UDFPath)
	beginTS := w.committer.LastCommitTS()
	source, err := w.modules.ResolveAt(ctx, beginTS, msg.ComponentPath, path)
	if err != nil {
		w.send("ActionResponse", actionResponseOut{RequestID: msg.RequestID, Error: errorOutFrom(err)})
		return
	}

	call := runtime.Call{RequestID: msg.RequestID, Source: source, Export: export, Args: msg.Args, Identity: identity}
	res, err := w.host.RunAction(ctx, 0, call)
	if err != nil {
		w.send("ActionResponse", actionResponseOut{RequestID: msg.RequestID, Error: errorOutFrom(err)})
		return
	}
	w.send("ActionResponse", actionResponseOut{RequestID: msg.RequestID, Result: res.Value})
}

// handleInvalidation reruns every query named by inv at inv.CommitTS and
// emits a Transition chained from the session's last sent end_ts (§4.8:
// "start_ts == last_sent_end_ts").
func (w *Worker) handleInvalidation(ctx context.Context, inv subscribe.Invalidation) {
	identity := w.currentIdentity()
	var mods []modificationOut
	for _, qid := range inv.QueryIDs {
		w.mu.Lock()
		lq, ok := w.liveQueries[qid]
		w.mu.Unlock()
		if !ok {
			continue
		}
		path, export := splitUDFPath(lq.spec.UDFPath)
		source, err := w.modules.ResolveAt(ctx, inv.CommitTS, lq.spec.ComponentPath, path)
		if err != nil {
			mods = append(mods, modificationOut{QueryID: qid, Error: errorOutFrom(err)})
			continue
		}
		call := runtime.Call{RequestID: uuid.NewString(), Source: source, Export: export, Args: lq.spec.Args, Identity: identity}
		res, err := w.host.RunQuery(ctx, inv.CommitTS, call)
		if err != nil {
			mods = append(mods, modificationOut{QueryID: qid, Error: errorOutFrom(err)})
			continue
		}
		w.mu.Lock()
		lq.lastSent = res.Value
		w.mu.Unlock()
		mods = append(mods, modificationOut{QueryID: qid, Value: res.Value})
	}
	if len(mods) == 0 {
		return
	}

	w.mu.Lock()
	startTS := w.lastEndTS
	w.lastEndTS = inv.CommitTS
	w.mu.Unlock()
	w.send("Transition", transitionOut{StartTS: startTS, EndTS: inv.CommitTS, Modifications: mods})
}

func (w *Worker) send(msgType string, payload interface{}) {
	b, err := encode(msgType, payload)
	if err != nil {
		return
	}
	select {
	case w.out <- b:
	default:
		w.logger.Warn().Str("session_id", w.SessionID()).Msg("outbound buffer full, dropping frame and closing")
		w.setState(StateClosed)
	}
}

func (w *Worker) sendAuthError(message string) {
	w.send("AuthError", authErrorOut{Message: message})
}

func (w *Worker) fatal(message string) {
	w.send("FatalError", fatalErrorOut{Message: message})
	w.setState(StateClosed)
}

func (w *Worker) closeConn() {
	w.setState(StateClosed)
	w.sendQ.Close()
	_ = w.conn.Close()
	for _, lq := range w.liveQueries {
		w.subs.Remove(lq.spec.QueryID)
	}
	metrics.ActiveSessions.Dec()
}

func splitUDFPath(udfPath string) (path, export string) {
	if idx := strings.LastIndex(udfPath, ":"); idx >= 0 {
		return udfPath[:idx], udfPath[idx+1:]
	}
	return udfPath, "handler"
}

