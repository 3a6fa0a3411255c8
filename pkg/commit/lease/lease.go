// Package lease fences the single-writer commit coordinator with a Raft
// election, adapted from cuemby-warren/pkg/manager's WarrenFSM/Bootstrap
// pattern. Unlike the teacher, which replicates full cluster state
// through the Raft log (multi-writer replication — out of scope per the
// single-writer, no-cross-shard Non-goals), this FSM carries exactly one
// field: an epoch counter. Winning the Raft election proves the caller is
// the sole writer for the deployment; the committed document and index
// data never touch the Raft log, only Store.Write (§4.4).
package lease

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// epochFSM is the one-field Raft FSM: an epoch counter incremented each
// time a new writer steps up.
type epochFSM struct {
	mu    sync.RWMutex
	epoch uint64
}

func (f *epochFSM) Apply(log *raft.Log) interface{} {
	if len(log.Data) != 8 {
		return fmt.Errorf("lease: malformed epoch entry")
	}
	epoch := binary.BigEndian.Uint64(log.Data)
	f.mu.Lock()
	defer f.mu.Unlock()
	if epoch > f.epoch {
		f.epoch = epoch
	}
	return f.epoch
}

func (f *epochFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &epochSnapshot{epoch: f.epoch}, nil
}

func (f *epochFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var buf [8]byte
	if _, err := io.ReadFull(rc, buf[:]); err != nil {
		if err != io.EOF {
			return err
		}
		return nil
	}
	f.mu.Lock()
	f.epoch = binary.BigEndian.Uint64(buf[:])
	f.mu.Unlock()
	return nil
}

type epochSnapshot struct{ epoch uint64 }

func (s *epochSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.epoch)
	if _, err := sink.Write(buf[:]); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *epochSnapshot) Release() {}

// Config configures a single lease participant.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Lease wraps a raft.Raft instance whose only job is to elect a single
// writer and expose its current epoch.
type Lease struct {
	raft *raft.Raft
	fsm  *epochFSM
}

// Bootstrap initializes a new single-node Raft group, matching
// cuemby-warren's Manager.Bootstrap call shape. A multi-node deployment
// would instead Join an existing group; only the single-node path is
// implemented, since cross-shard / multi-writer scaling is out of scope.
func Bootstrap(cfg Config) (*Lease, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("lease: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("lease: new transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("lease: new snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "lease-log.db"))
	if err != nil {
		return nil, fmt.Errorf("lease: new log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "lease-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("lease: new stable store: %w", err)
	}

	fsm := &epochFSM{}
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("lease: new raft: %w", err)
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		// Already bootstrapped on a prior run is not fatal.
		if err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("lease: bootstrap cluster: %w", err)
		}
	}

	return &Lease{raft: r, fsm: fsm}, nil
}

// CurrentEpoch returns the last epoch applied to this node's FSM.
func (l *Lease) CurrentEpoch() uint64 {
	l.fsm.mu.RLock()
	defer l.fsm.mu.RUnlock()
	return l.fsm.epoch
}

// StepUp blocks (bounded by timeout) until this node is the Raft leader,
// then commits a new epoch through the log and returns it. Commit
// coordinators must re-validate CurrentEpoch() against the epoch they
// were handed before every C1.Write call (§4.4 step 1 — "re-check every
// commit").
func (l *Lease) StepUp(timeout time.Duration) (uint64, error) {
	if err := l.waitForLeader(timeout); err != nil {
		return 0, err
	}
	next := l.CurrentEpoch() + 1
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	future := l.raft.Apply(buf[:], timeout)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("lease: step up: %w", err)
	}
	applied, _ := future.Response().(uint64)
	return applied, nil
}

func (l *Lease) waitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.raft.State() == raft.Leader {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if l.raft.State() != raft.Leader {
		return fmt.Errorf("lease: did not become leader within %s", timeout)
	}
	return nil
}

// IsLeader reports whether this node currently holds the writer lease.
func (l *Lease) IsLeader() bool { return l.raft.State() == raft.Leader }

// Shutdown releases the underlying Raft resources.
func (l *Lease) Shutdown() error {
	return l.raft.Shutdown().Error()
}
