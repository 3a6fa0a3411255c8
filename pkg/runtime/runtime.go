// Package runtime hosts user functions as JavaScript in an embedded
// github.com/dop251/goja sandbox (§4.6): one goja.Runtime per call,
// bindings routed to pkg/txn, deterministic Date.now/Math.random inside
// queries and mutations, every call bounded by Config.UserTimeout through
// context.WithTimeout plus goja's Runtime.Interrupt (Config.SystemTimeout
// is not applied), and an OCC-retry loop around mutation commit attempts
// up to MaxOCCRetries.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/auth"
	"github.com/pulsedb/pulse/pkg/codec"
	"github.com/pulsedb/pulse/pkg/commit"
	"github.com/pulsedb/pulse/pkg/index"
	"github.com/pulsedb/pulse/pkg/log"
	"github.com/pulsedb/pulse/pkg/metrics"
	"github.com/pulsedb/pulse/pkg/persistence"
	"github.com/pulsedb/pulse/pkg/txn"
	"github.com/pulsedb/pulse/pkg/types"
	"github.com/pulsedb/pulse/pkg/usage"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20"
)

// Kind distinguishes the three function kinds of §4.6.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
	KindAction   Kind = "action"
)

// Config tunes timeouts, retry, and the action-dispatch open question left
// unresolved by §9 ("HTTPActionPath").
type Config struct {
	SystemTimeout time.Duration
	UserTimeout   time.Duration
	MaxOCCRetries int
	MaxReactorDepth int
	// HTTPActionPath names the §9 Open Question of whether HTTP actions run
	// in-process or in a separate function-runner. Nothing in this package
	// reads it: every action runs in this process's goja runtime, with
	// fetch bound by bindFetch.
	HTTPActionPath string
}

// DefaultConfig mirrors the magnitudes implied by §4.6/§5.
func DefaultConfig() Config {
	return Config{
		SystemTimeout:   30 * time.Second,
		UserTimeout:     10 * time.Second,
		MaxOCCRetries:   3,
		MaxReactorDepth: 5,
	}
}

// EnvProvider resolves environment variables (sealed at rest via
// pkg/secretseal upstream of this package).
type EnvProvider interface {
	Get(ctx context.Context, name string) (string, bool, error)
}

// Scheduler is consulted by scheduler.runAfter(delayMs, name, args).
type Scheduler interface {
	RunAfter(ctx context.Context, delay time.Duration, functionName string, args []interface{}) error
}

// Storage is consulted by storage.* bindings for file metadata operations.
type Storage interface {
	GetURL(ctx context.Context, storageID string) (string, error)
	GenerateUploadURL(ctx context.Context) (string, error)
}

// QueryWroteDocument reports that a query function attempted a write,
// which is forbidden (§4.6).
var QueryWroteDocument = apperror.New(apperror.InvalidArgument, "runtime.query_wrote_document", "query functions may not write")

// Host constructs per-call goja runtimes and wires their ops bindings.
type Host struct {
	store     persistence.Store
	registry  *index.Registry
	retention persistence.RetentionValidator
	committer *commit.Coordinator
	env       EnvProvider
	scheduler Scheduler
	storage   Storage
	cfg       Config
	readers   *readerSet
	logs      *usage.Tracker
}

// NewHost constructs a function-runtime host. logs may be nil, in which
// case console.* calls are still logged via zerolog but not fanned out as
// structured LogLines (§4.6/§8-S6).
func NewHost(store persistence.Store, registry *index.Registry, retention persistence.RetentionValidator, committer *commit.Coordinator, env EnvProvider, sched Scheduler, stor Storage, logs *usage.Tracker, cfg Config) *Host {
	return &Host{store: store, registry: registry, retention: retention, committer: committer, env: env, scheduler: sched, storage: stor, logs: logs, cfg: cfg, readers: newReaderSet()}
}

// Call is one invocation request: the function source, its export name,
// and JSON-decoded argument values.
type Call struct {
	RequestID string
	Source    string
	Export    string
	Args      []interface{}
	Identity  auth.Identity
}

// Result is what a function call returns: either a value or a structured
// user error (never a bare Go panic, per §9). Intervals is populated only
// for queries, carrying the index ranges read so the caller can register
// them with pkg/subscribe for invalidation.
type Result struct {
	Value     interface{}
	UserError *apperror.UserError
	CommitTS  types.Timestamp
	Intervals []txn.IntervalRead
}

// RunQuery executes a read-only function against a snapshot at beginTS.
// Any attempted write fails the call with QueryWroteDocument.
func (h *Host) RunQuery(ctx context.Context, beginTS types.Timestamp, call Call) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FunctionDuration, string(KindQuery))

	readerID := h.readers.begin(beginTS)
	defer h.readers.end(readerID)

	tx := txn.New(call.Identity, beginTS, h.store, h.registry, h.retention, txn.DefaultConfig())
	res, err := h.run(ctx, KindQuery, beginTS, call, tx)
	if err != nil {
		return res, err
	}
	if len(tx.Writes()) > 0 {
		return Result{}, QueryWroteDocument
	}
	res.Intervals = tx.Intervals()
	return res, nil
}

// RunMutation executes a function that may write, retrying on OCC
// conflict up to Config.MaxOCCRetries, each attempt against a fresh
// begin_ts (nextBeginTS is called to obtain one per attempt).
func (h *Host) RunMutation(ctx context.Context, nextBeginTS func() types.Timestamp, call Call) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FunctionDuration, string(KindMutation))

	var lastErr error
	for attempt := 0; attempt <= h.cfg.MaxOCCRetries; attempt++ {
		beginTS := nextBeginTS()
		readerID := h.readers.begin(beginTS)
		tx := txn.New(call.Identity, beginTS, h.store, h.registry, h.retention, txn.DefaultConfig())

		res, err := h.run(ctx, KindMutation, beginTS, call, tx)
		if err != nil {
			h.readers.end(readerID)
			return res, err
		}

		commitTS, err := h.committer.Commit(ctx, tx)
		h.readers.end(readerID)
		if err == nil {
			res.CommitTS = commitTS
			return res, nil
		}
		lastErr = err
		if !apperror.Is(err, apperror.Conflict) {
			metrics.FunctionErrorsTotal.WithLabelValues(string(KindMutation), string(apperror.KindOf(err))).Inc()
			return Result{}, err
		}
		metrics.FunctionOCCRetriesTotal.Inc()
	}
	metrics.FunctionErrorsTotal.WithLabelValues(string(KindMutation), "occ_exhausted").Inc()
	return Result{}, fmt.Errorf("runtime: exceeded %d OCC retries: %w", h.cfg.MaxOCCRetries, lastErr)
}

// RunAction executes a non-deterministic function: no transaction
// snapshot, fetch available (setTimeout and crypto are not bound), and
// recursion bounded by MaxReactorDepth.
func (h *Host) RunAction(ctx context.Context, depth int, call Call) (Result, error) {
	if depth > h.cfg.MaxReactorDepth {
		return Result{}, apperror.New(apperror.InvalidArgument, "runtime.reactor_depth_exceeded", "action recursion exceeded configured depth")
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FunctionDuration, string(KindAction))
	return h.run(ctx, KindAction, 0, call, nil)
}

func (h *Host) run(ctx context.Context, kind Kind, beginTS types.Timestamp, call Call, tx *txn.Transaction) (Result, error) {
	deadline := h.cfg.UserTimeout
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	logger := log.WithComponent("runtime").With().Str("kind", string(kind)).Str("request_id", call.RequestID).Logger()

	emit := func(level usage.Level, zl func() *zerolog.Event) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]interface{}, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.Export()
			}
			zl().Interface("args", parts).Msg("console." + string(level))
			if h.logs != nil {
				h.logs.RecordLog(usage.NewLogLine(level, parts, time.Now()))
			}
			return goja.Undefined()
		}
	}
	console := vm.NewObject()
	_ = console.Set("log", emit(usage.LevelInfo, logger.Info))
	_ = console.Set("info", emit(usage.LevelInfo, logger.Info))
	_ = console.Set("debug", emit(usage.LevelDebug, logger.Debug))
	_ = console.Set("warn", emit(usage.LevelWarn, logger.Warn))
	_ = console.Set("error", emit(usage.LevelError, logger.Error))
	_ = vm.Set("console", console)

	if tx != nil {
		bindDB(vm, tx)
		bindAuth(vm, call.Identity)
		vm.Set("Date", newDeterministicDate(vm, beginTS))
		vm.Set("Math", newDeterministicMath(vm, call.RequestID))
	}
	bindEnv(ctx, vm, h.env)
	if h.scheduler != nil {
		bindScheduler(ctx, vm, h.scheduler)
	}
	if h.storage != nil {
		bindStorage(ctx, vm, h.storage)
	}
	if kind == KindAction {
		bindFetch(ctx, vm)
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-done:
		}
	}()

	if _, err := vm.RunString(call.Source); err != nil {
		close(done)
		return Result{}, translateGojaError(err)
	}

	fn, ok := goja.AssertFunction(vm.Get(call.Export))
	if !ok {
		close(done)
		return Result{}, apperror.New(apperror.InvalidArgument, "runtime.no_export", fmt.Sprintf("function %q not exported", call.Export))
	}

	args := make([]goja.Value, len(call.Args))
	for i, a := range call.Args {
		args[i] = vm.ToValue(a)
	}
	v, err := fn(goja.Undefined(), args...)
	close(done)
	if err != nil {
		return Result{}, translateGojaError(err)
	}
	return Result{Value: v.Export()}, nil
}

func translateGojaError(err error) error {
	if exc, ok := err.(*goja.Exception); ok {
		return &apperror.UserError{Message: fmt.Sprintf("%v", exc.Value().Export()), Stack: exc.String()}
	}
	if iErr, ok := err.(*goja.InterruptedError); ok {
		return apperror.New(apperror.FunctionTimeout, "runtime.timeout", iErr.Error())
	}
	return apperror.Wrap(apperror.Fatal, "runtime.js_error", err)
}

// bindDB wires db.get/insert/patch/replace/delete/query to tx.
func bindDB(vm *goja.Runtime, tx *txn.Transaction) {
	db := vm.NewObject()
	_ = db.Set("get", func(call goja.FunctionCall) goja.Value {
		id := decodeID(call.Argument(0))
		v, err := tx.Get(context.Background(), id)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		if v == nil {
			return goja.Null()
		}
		return vm.ToValue(valueToJS(v.WithSystemFields()))
	})
	_ = db.Set("insert", func(call goja.FunctionCall) goja.Value {
		table := types.TabletID(call.Argument(0).String())
		val := decodeValue(call.Argument(1))
		id, err := tx.Insert(context.Background(), table, val)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(id.String())
	})
	_ = db.Set("patch", func(call goja.FunctionCall) goja.Value {
		id := decodeID(call.Argument(0))
		fields := call.Argument(1).Export().(map[string]interface{})
		patch := make(map[string]types.Value, len(fields))
		for k, fv := range fields {
			patch[k] = goExport(fv)
		}
		if err := tx.Patch(context.Background(), id, patch); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	_ = db.Set("replace", func(call goja.FunctionCall) goja.Value {
		id := decodeID(call.Argument(0))
		val := decodeValue(call.Argument(1))
		if err := tx.Replace(context.Background(), id, val); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	_ = db.Set("delete", func(call goja.FunctionCall) goja.Value {
		id := decodeID(call.Argument(0))
		if err := tx.Delete(context.Background(), id); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	// query implements db.query(source, order, limit, cursor) (§4.6): source
	// is {table, index?, start?, end?}. Omitting index scans the table's
	// implicit by_id index, i.e. a full-table scan in id order; naming a
	// secondary index (e.g. "by_creation_time" or a registered index) scans
	// that instead, optionally bounded by start/end field-value tuples.
	_ = db.Set("query", func(call goja.FunctionCall) goja.Value {
		spec, ok := call.Argument(0).Export().(map[string]interface{})
		if !ok {
			panic(vm.ToValue("db.query: first argument must be an object {table, index?, start?, end?}"))
		}
		table, _ := spec["table"].(string)
		if table == "" {
			panic(vm.ToValue("db.query: table is required"))
		}
		indexName, _ := spec["index"].(string)
		if indexName == "" {
			indexName = types.BuiltinByID
		}

		order := persistence.Ascending
		if call.Argument(1).String() == "desc" {
			order = persistence.Descending
		}

		limit := int(call.Argument(2).ToInteger())
		if limit <= 0 {
			limit = 100
		}

		var cursor []byte
		if c := call.Argument(3); !goja.IsUndefined(c) && !goja.IsNull(c) {
			decoded, err := base64.StdEncoding.DecodeString(c.String())
			if err != nil {
				panic(vm.ToValue("db.query: cursor is not valid base64"))
			}
			cursor = decoded
		}

		var interval persistence.KeyInterval
		if start, ok := spec["start"].([]interface{}); ok {
			interval.Start = codec.EncodeKey(jsValuesToKey(start))
		}
		if end, ok := spec["end"].([]interface{}); ok {
			interval.End = codec.EncodeKey(jsValuesToKey(end))
		}

		req := index.Request{
			IndexID:  types.IndexID{Tablet: types.TabletID(table), Name: indexName},
			Interval: interval,
			Order:    order,
			Limit:    limit,
			Cursor:   cursor,
		}
		resp, err := tx.IndexRange(context.Background(), req)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}

		rows := make([]interface{}, 0, len(resp.Rows))
		for _, row := range resp.Rows {
			doc, err := tx.Get(context.Background(), row.DocID)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			if doc == nil {
				continue
			}
			rows = append(rows, valueToJS(doc.WithSystemFields()))
		}

		result := map[string]interface{}{"rows": rows, "done": resp.Done}
		if len(resp.Cursor) > 0 {
			result["cursor"] = base64.StdEncoding.EncodeToString(resp.Cursor)
		} else {
			result["cursor"] = nil
		}
		return vm.ToValue(result)
	})
	vm.Set("db", db)
}

func bindAuth(vm *goja.Runtime, identity auth.Identity) {
	a := vm.NewObject()
	_ = a.Set("getUserIdentity", func(call goja.FunctionCall) goja.Value {
		if !identity.IsAuthenticated() {
			return goja.Null()
		}
		return vm.ToValue(map[string]interface{}{
			"subject": identity.Subject,
			"claims":  identity.Claims,
		})
	})
	vm.Set("auth", a)
}

func bindEnv(ctx context.Context, vm *goja.Runtime, env EnvProvider) {
	e := vm.NewObject()
	_ = e.Set("get", func(call goja.FunctionCall) goja.Value {
		if env == nil {
			return goja.Undefined()
		}
		name := call.Argument(0).String()
		v, found, err := env.Get(ctx, name)
		if err != nil || !found {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	vm.Set("env", e)
}

func bindScheduler(ctx context.Context, vm *goja.Runtime, sched Scheduler) {
	s := vm.NewObject()
	_ = s.Set("runAfter", func(call goja.FunctionCall) goja.Value {
		delayMs := call.Argument(0).ToInteger()
		name := call.Argument(1).String()
		var args []interface{}
		if len(call.Arguments) > 2 {
			args, _ = call.Argument(2).Export().([]interface{})
		}
		if err := sched.RunAfter(ctx, time.Duration(delayMs)*time.Millisecond, name, args); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	vm.Set("scheduler", s)
}

func bindStorage(ctx context.Context, vm *goja.Runtime, stor Storage) {
	s := vm.NewObject()
	_ = s.Set("getUrl", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		url, err := stor.GetURL(ctx, id)
		if err != nil {
			return goja.Null()
		}
		return vm.ToValue(url)
	})
	_ = s.Set("generateUploadUrl", func(call goja.FunctionCall) goja.Value {
		url, err := stor.GenerateUploadURL(ctx)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(url)
	})
	vm.Set("storage", s)
}

// bindFetch exposes a minimal fetch() for actions only (§4.6: "actions...
// may issue outbound HTTP").
func bindFetch(ctx context.Context, vm *goja.Runtime) {
	_ = vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		return vm.ToValue(map[string]interface{}{
			"status": resp.StatusCode,
			"body":   string(body),
		})
	})
}

// newDeterministicDate returns a Date constructor whose now() always
// yields the transaction's snapshot timestamp (§4.6).
func newDeterministicDate(vm *goja.Runtime, beginTS types.Timestamp) goja.Value {
	ctor := vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		obj.Set("getTime", func(goja.FunctionCall) goja.Value { return vm.ToValue(int64(beginTS)) })
		return obj
	})
	obj := ctor.ToObject(vm)
	obj.Set("now", func(goja.FunctionCall) goja.Value { return vm.ToValue(int64(beginTS)) })
	return obj
}

// newDeterministicMath returns a Math object whose random() is seeded
// per-call with a ChaCha20 keystream (x/crypto/chacha20, full 20 rounds)
// from (requestID, callIndex) (§4.6).
func newDeterministicMath(vm *goja.Runtime, requestID string) goja.Value {
	m := vm.NewObject()
	var callIndex uint64
	_ = m.Set("random", func(goja.FunctionCall) goja.Value {
		v := seededFloat(requestID, callIndex)
		callIndex++
		return vm.ToValue(v)
	})
	_ = m.Set("floor", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(float64(int64(call.Argument(0).ToFloat())))
	})
	return m
}

// seededFloat derives a float64 in [0,1) from (requestID, callIndex) using
// a ChaCha20 keystream, giving replay-deterministic "randomness" (§4.6).
func seededFloat(requestID string, callIndex uint64) float64 {
	key := sha256.Sum256([]byte(requestID))
	nonce := make([]byte, chacha20.NonceSize)
	binary.LittleEndian.PutUint64(nonce[:8], callIndex)

	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		return 0
	}
	var out [8]byte
	cipher.XORKeyStream(out[:], out[:])
	v := binary.LittleEndian.Uint64(out[:]) >> 11 // 53 bits of mantissa
	return float64(v) / float64(uint64(1)<<53)
}

func decodeID(v goja.Value) types.DocumentID {
	return types.ParseDocumentID(v.String())
}

// jsValuesToKey converts a JS array argument (e.g. db.query's start/end) to
// the ordered tuple of types.Value pkg/codec encodes index keys from.
func jsValuesToKey(vals []interface{}) []types.Value {
	out := make([]types.Value, len(vals))
	for i, v := range vals {
		out[i] = goExport(v)
	}
	return out
}

// valueToJS converts a types.Value into the plain interface{} goja.ToValue
// exports to JS, the inverse of goExport.
func valueToJS(v types.Value) interface{} {
	switch v.Kind {
	case types.KindNull:
		return nil
	case types.KindBool:
		return v.Bool
	case types.KindInt64:
		return v.Int
	case types.KindFloat64:
		return v.Float
	case types.KindString:
		return v.Str
	case types.KindBytes:
		return v.Bytes
	case types.KindArray:
		out := make([]interface{}, len(v.Array))
		for i, e := range v.Array {
			out[i] = valueToJS(e)
		}
		return out
	case types.KindObject:
		out := make(map[string]interface{}, len(v.Object))
		for k, fv := range v.Object {
			out[k] = valueToJS(fv)
		}
		return out
	case types.KindSet:
		out := make([]interface{}, len(v.Set))
		for i, e := range v.Set {
			out[i] = valueToJS(e)
		}
		return out
	case types.KindMap:
		out := make(map[string]interface{}, len(v.MapKV))
		for _, e := range v.MapKV {
			out[fmt.Sprintf("%v", valueToJS(e.Key))] = valueToJS(e.Value)
		}
		return out
	case types.KindID:
		return v.ID.String()
	default:
		return nil
	}
}

func decodeValue(v goja.Value) types.Value {
	return goExport(v.Export())
}

func goExport(v interface{}) types.Value {
	switch x := v.(type) {
	case string:
		return types.String(x)
	case bool:
		return types.Bool(x)
	case int64:
		return types.Int(x)
	case float64:
		return types.Float(x)
	case map[string]interface{}:
		obj := make(map[string]types.Value, len(x))
		for k, fv := range x {
			obj[k] = goExport(fv)
		}
		return types.Object(obj)
	case []interface{}:
		arr := make([]types.Value, len(x))
		for i, ev := range x {
			arr[i] = goExport(ev)
		}
		return types.Array(arr...)
	default:
		return types.Null()
	}
}
