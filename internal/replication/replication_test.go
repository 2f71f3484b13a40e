package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/regsync/internal/codec"
	"github.com/danmuck/regsync/internal/ident"
	"github.com/danmuck/regsync/internal/protocol/session"
	"github.com/danmuck/regsync/internal/registry"
	"github.com/danmuck/regsync/internal/testutil/testlog"
	"github.com/danmuck/regsync/internal/transport"
	"github.com/google/go-cmp/cmp"
)

var (
	bladeTag = ident.MustParse("arms:blade")
	bowTag   = ident.MustParse("arms:bow")
)

type weapon interface {
	codec.Tagged
}

type blade struct {
	Type   string `json:"type" msgpack:"type"`
	Damage int    `json:"damage" msgpack:"damage"`
}

func (blade) CodecTag() ident.ID { return bladeTag }

type bow struct {
	Type  string `json:"type" msgpack:"type"`
	Range int    `json:"range" msgpack:"range"`
}

func (bow) CodecTag() ident.ID { return bowTag }

func asWeapon[T weapon](t T) weapon { return t }

func fromWeapon[T weapon](w weapon) (T, bool) {
	t, ok := w.(T)
	return t, ok
}

func newWeapons(t *testing.T, path string, withBows bool) *registry.Registry[weapon] {
	t.Helper()
	table := codec.NewPolymorphic[weapon]("weapons")
	if err := table.Register(bladeTag, codec.JSON(asWeapon[blade], fromWeapon[blade])); err != nil {
		t.Fatalf("register blade: %v", err)
	}
	if withBows {
		if err := table.Register(bowTag, codec.JSON(asWeapon[bow], fromWeapon[bow])); err != nil {
			t.Fatalf("register bow: %v", err)
		}
	}
	logger := testlog.Logger(t)
	r, err := registry.New(registry.Config[weapon]{
		Path:   path,
		Synced: true,
		Codecs: table,
		Logger: &logger,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func bladeEntry(id string, damage int) codec.RawEntry {
	return codec.RawEntry{
		ID:      ident.MustParse(id),
		Payload: codec.Payload(fmt.Sprintf(`{"type":"arms:blade","damage":%d}`, damage)),
	}
}

func bowEntry(id string, rng int) codec.RawEntry {
	return codec.RawEntry{
		ID:      ident.MustParse(id),
		Payload: codec.Payload(fmt.Sprintf(`{"type":"arms:bow","range":%d}`, rng)),
	}
}

func load(t *testing.T, r *registry.Registry[weapon], batch ...codec.RawEntry) {
	t.Helper()
	if _, err := r.Reload(context.Background(), batch); err != nil {
		t.Fatalf("reload: %v", err)
	}
}

func newDirectory(t *testing.T, regs ...Syncable) *Directory {
	t.Helper()
	logger := testlog.Logger(t)
	d := NewDirectory(DirectoryConfig{Logger: &logger})
	for _, r := range regs {
		if err := d.Register(r); err != nil {
			t.Fatalf("register %s: %v", r.Path(), err)
		}
	}
	return d
}

// tape is a Transport that records what it is asked to send.
type tape struct {
	mu        sync.Mutex
	msgs      []session.Message
	failAfter int
}

func (tp *tape) record(msg session.Message) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.failAfter > 0 && len(tp.msgs) >= tp.failAfter {
		return errors.New("link down")
	}
	tp.msgs = append(tp.msgs, msg)
	return nil
}

func (tp *tape) SendToAll(_ context.Context, msg session.Message) error { return tp.record(msg) }
func (tp *tape) SendToOne(_ context.Context, _ transport.PeerID, msg session.Message) error {
	return tp.record(msg)
}
func (tp *tape) Peers() []transport.PeerID { return nil }

func (tp *tape) replay(t *testing.T, r *Receiver) []error {
	t.Helper()
	tp.mu.Lock()
	msgs := append([]session.Message(nil), tp.msgs...)
	tp.mu.Unlock()
	var errs []error
	for _, m := range msgs {
		if err := r.Handle(m.(session.SyncMessage)); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

type cycles struct {
	mu    sync.Mutex
	begin int
	on    int
}

func (c *cycles) watch(r *registry.Registry[weapon]) {
	r.AddCallback(registry.CallbackFuncs[weapon]{
		Begin: func(*registry.Registry[weapon]) { c.bump(&c.begin) },
		On:    func(*registry.Registry[weapon]) { c.bump(&c.on) },
	})
}

func (c *cycles) bump(n *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*n++
}

func (c *cycles) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begin, c.on
}

func TestDirectoryRegister(t *testing.T) {
	testlog.Start(t)
	d := newDirectory(t)

	blades := newWeapons(t, "arms/blades", true)
	if err := d.Register(blades); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Register(newWeapons(t, "arms/blades", true)); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if err := d.Register(newWeapons(t, strings.Repeat("x", session.MaxPathLen+1), true)); !errors.Is(err, session.ErrPathTooLong) {
		t.Fatalf("expected ErrPathTooLong, got %v", err)
	}

	table := codec.NewFixed[blade]("local")
	if err := table.Register(codec.DefaultTag, codec.JSONOf[blade]()); err != nil {
		t.Fatalf("register codec: %v", err)
	}
	local, err := registry.New(registry.Config[blade]{Path: "arms/local", Codecs: table})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := d.Register(local); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("expected ErrNotSynced, got %v", err)
	}

	if err := d.Register(newWeapons(t, "arms/bows", true)); err != nil {
		t.Fatalf("register bows: %v", err)
	}
	if diff := cmp.Diff([]string{"arms/blades", "arms/bows"}, d.Paths()); diff != "" {
		t.Fatalf("paths (-want +got):\n%s", diff)
	}
	if got, ok := d.Lookup("arms/blades"); !ok || got != Syncable(blades) {
		t.Fatalf("lookup returned %v %v", got, ok)
	}
}

func TestReplicationRoundTrip(t *testing.T) {
	testlog.Start(t)
	hostBlades := newWeapons(t, "arms/blades", true)
	hostBows := newWeapons(t, "arms/bows", true)
	load(t, hostBlades, bladeEntry("arms:iron", 5), bladeEntry("arms:gold", 4), bladeEntry("arms:diamond", 7))
	load(t, hostBows, bowEntry("arms:short", 10), bowEntry("arms:long", 30))
	host := newDirectory(t, hostBlades, hostBows)

	guestBlades := newWeapons(t, "arms/blades", true)
	guestBows := newWeapons(t, "arms/bows", true)
	guest := newDirectory(t, guestBlades, guestBows)

	tp := &tape{}
	if err := host.SyncAll(context.Background(), tp, All()); err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if len(tp.msgs) != 3+2+2+2 {
		t.Fatalf("recorded %d messages", len(tp.msgs))
	}
	if tp.msgs[0] != (session.Start{Path: "arms/blades"}) || tp.msgs[4] != (session.End{Path: "arms/blades"}) {
		t.Fatalf("unexpected framing: %#v ... %#v", tp.msgs[0], tp.msgs[4])
	}

	var results []Result
	recv := guest.NewReceiver("host", Guest)
	recv.OnCommit(func(r Result) { results = append(results, r) })
	if errs := tp.replay(t, recv); len(errs) != 0 {
		t.Fatalf("replay errors: %v", errs)
	}

	if diff := cmp.Diff(hostBlades.Snapshot(), guestBlades.Snapshot()); diff != "" {
		t.Fatalf("blades (-host +guest):\n%s", diff)
	}
	if diff := cmp.Diff(hostBows.Snapshot(), guestBows.Snapshot()); diff != "" {
		t.Fatalf("bows (-host +guest):\n%s", diff)
	}
	want := []Result{
		{Path: "arms/blades", Peer: "host", Received: 3, Committed: 3},
		{Path: "arms/bows", Peer: "host", Received: 2, Committed: 2},
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Fatalf("results (-want +got):\n%s", diff)
	}
	if recv.Active() != nil {
		t.Fatalf("sessions left open: %v", recv.Active())
	}
}

func TestConcurrentPathsAreIndependent(t *testing.T) {
	testlog.Start(t)
	blades := newWeapons(t, "arms/blades", true)
	bows := newWeapons(t, "arms/bows", true)
	d := newDirectory(t, blades, bows)
	recv := d.NewReceiver("host", Guest)

	iron := ident.MustParse("arms:iron")
	short := ident.MustParse("arms:short")
	msgs := []session.SyncMessage{
		session.Start{Path: "arms/blades"},
		session.Start{Path: "arms/bows"},
		session.Content{Path: "arms/bows", ID: short, Tag: bowTag, Payload: mustWire(t, bow{Type: "arms:bow", Range: 10})},
		session.Content{Path: "arms/blades", ID: iron, Tag: bladeTag, Payload: mustWire(t, blade{Type: "arms:blade", Damage: 5})},
		session.End{Path: "arms/bows"},
		session.End{Path: "arms/blades"},
	}
	for _, m := range msgs {
		if err := recv.Handle(m); err != nil {
			t.Fatalf("handle %T: %v", m, err)
		}
	}
	if v, ok := blades.Lookup(iron); !ok || v.(blade).Damage != 5 {
		t.Fatalf("blade lookup: %v %v", v, ok)
	}
	if v, ok := bows.Lookup(short); !ok || v.(bow).Range != 10 {
		t.Fatalf("bow lookup: %v %v", v, ok)
	}
}

func mustWire(t *testing.T, w weapon) []byte {
	t.Helper()
	table := newWeapons(t, "scratch", true).Codecs()
	_, data, err := table.EncodeWire(w)
	if err != nil {
		t.Fatalf("encode wire: %v", err)
	}
	return data
}

func TestSelfHostKeepsLiveMap(t *testing.T) {
	testlog.Start(t)
	blades := newWeapons(t, "arms/blades", true)
	load(t, blades, bladeEntry("arms:iron", 5), bladeEntry("arms:gold", 4))
	d := newDirectory(t, blades)
	var seen cycles
	seen.watch(blades)

	before := blades.Snapshot()
	generation := blades.Generation()
	holder := blades.Holder(ident.MustParse("arms:iron"))

	foreign := ident.MustParse("arms:foreign")
	recv := d.NewReceiver("self", Origin)
	msgs := []session.SyncMessage{
		session.Start{Path: "arms/blades"},
		session.Content{Path: "arms/blades", ID: foreign, Tag: bladeTag, Payload: mustWire(t, blade{Type: "arms:blade", Damage: 99})},
		session.Content{Path: "arms/blades", ID: ident.MustParse("arms:iron"), Tag: bladeTag, Payload: mustWire(t, blade{Type: "arms:blade", Damage: 1})},
		session.End{Path: "arms/blades"},
	}
	var res Result
	recv.OnCommit(func(r Result) { res = r })
	for _, m := range msgs {
		if err := recv.Handle(m); err != nil {
			t.Fatalf("handle %T: %v", m, err)
		}
	}

	if diff := cmp.Diff(before, blades.Snapshot()); diff != "" {
		t.Fatalf("live map changed (-before +after):\n%s", diff)
	}
	if blades.Contains(foreign) {
		t.Fatalf("foreign entry adopted")
	}
	if blades.Generation() != generation+1 {
		t.Fatalf("generation=%d want=%d", blades.Generation(), generation+1)
	}
	if begin, on := seen.counts(); begin != 1 || on != 1 {
		t.Fatalf("callbacks begin=%d on=%d", begin, on)
	}
	if v, err := holder.Get(); err != nil || v.(blade).Damage != 5 {
		t.Fatalf("holder after refresh: %v %v", v, err)
	}
	if !res.SelfHosted || res.Received != 2 || res.Committed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUnregisteredTagDropped(t *testing.T) {
	testlog.Start(t)
	host := newWeapons(t, "arms/mixed", true)
	load(t, host, bladeEntry("arms:iron", 5), bowEntry("arms:short", 10), bladeEntry("arms:gold", 4))
	hostDir := newDirectory(t, host)

	guest := newWeapons(t, "arms/mixed", false)
	guestDir := newDirectory(t, guest)
	var seen cycles
	seen.watch(guest)

	tp := &tape{}
	if _, err := hostDir.Sync(context.Background(), tp, To("guest"), "arms/mixed"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	var res Result
	recv := guestDir.NewReceiver("host", Guest)
	recv.OnCommit(func(r Result) { res = r })
	errs := tp.replay(t, recv)
	if len(errs) != 1 || !errors.Is(errs[0], ErrNetworkDecode) {
		t.Fatalf("expected one ErrNetworkDecode, got %v", errs)
	}

	want := []ident.ID{ident.MustParse("arms:gold"), ident.MustParse("arms:iron")}
	if diff := cmp.Diff(want, guest.Keys()); diff != "" {
		t.Fatalf("guest keys (-want +got):\n%s", diff)
	}
	if begin, on := seen.counts(); begin != 1 || on != 1 {
		t.Fatalf("callbacks begin=%d on=%d", begin, on)
	}
	if res.Received != 3 || res.Dropped != 1 || res.Committed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEndWithoutContentCommitsEmpty(t *testing.T) {
	testlog.Start(t)
	guest := newWeapons(t, "arms/blades", true)
	load(t, guest, bladeEntry("arms:iron", 5))
	holder := guest.Holder(ident.MustParse("arms:iron"))
	d := newDirectory(t, guest)
	recv := d.NewReceiver("host", Guest)

	if err := recv.Handle(session.Start{Path: "arms/blades"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := recv.Handle(session.End{Path: "arms/blades"}); err != nil {
		t.Fatalf("end: %v", err)
	}
	if guest.Len() != 0 {
		t.Fatalf("expected empty live map, got %v", guest.Keys())
	}
	if _, err := holder.Get(); !errors.Is(err, registry.ErrUnresolvedHolder) {
		t.Fatalf("expected ErrUnresolvedHolder, got %v", err)
	}
}

func TestMessagesOutsideSession(t *testing.T) {
	testlog.Start(t)
	guest := newWeapons(t, "arms/blades", true)
	d := newDirectory(t, guest)
	recv := d.NewReceiver("host", Guest)

	content := session.Content{Path: "arms/blades", ID: ident.MustParse("arms:iron"), Tag: bladeTag, Payload: mustWire(t, blade{Damage: 5})}
	if err := recv.Handle(content); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession for content, got %v", err)
	}
	if err := recv.Handle(session.End{Path: "arms/blades"}); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession for end, got %v", err)
	}
	if guest.Generation() != 0 {
		t.Fatalf("registry committed without a session")
	}
}

func TestInterleavedStartRestartsSession(t *testing.T) {
	testlog.Start(t)
	guest := newWeapons(t, "arms/blades", true)
	d := newDirectory(t, guest)
	recv := d.NewReceiver("host", Guest)

	iron := ident.MustParse("arms:iron")
	gold := ident.MustParse("arms:gold")
	steps := []struct {
		msg     session.SyncMessage
		wantErr error
	}{
		{msg: session.Start{Path: "arms/blades"}},
		{msg: session.Content{Path: "arms/blades", ID: iron, Tag: bladeTag, Payload: mustWire(t, blade{Damage: 5})}},
		{msg: session.Start{Path: "arms/blades"}, wantErr: ErrSessionInterleaved},
		{msg: session.Content{Path: "arms/blades", ID: gold, Tag: bladeTag, Payload: mustWire(t, blade{Damage: 4})}},
		{msg: session.End{Path: "arms/blades"}},
	}
	for i, step := range steps {
		err := recv.Handle(step.msg)
		if step.wantErr == nil && err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if step.wantErr != nil && !errors.Is(err, step.wantErr) {
			t.Fatalf("step %d: expected %v, got %v", i, step.wantErr, err)
		}
	}
	if diff := cmp.Diff([]ident.ID{gold}, guest.Keys()); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
}

func TestDuplicateContentFirstWins(t *testing.T) {
	testlog.Start(t)
	guest := newWeapons(t, "arms/blades", true)
	d := newDirectory(t, guest)
	recv := d.NewReceiver("host", Guest)

	iron := ident.MustParse("arms:iron")
	_ = recv.Handle(session.Start{Path: "arms/blades"})
	if err := recv.Handle(session.Content{Path: "arms/blades", ID: iron, Tag: bladeTag, Payload: mustWire(t, blade{Damage: 5})}); err != nil {
		t.Fatalf("first content: %v", err)
	}
	err := recv.Handle(session.Content{Path: "arms/blades", ID: iron, Tag: bladeTag, Payload: mustWire(t, blade{Damage: 6})})
	if !errors.Is(err, registry.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	_ = recv.Handle(session.End{Path: "arms/blades"})
	if v, ok := guest.Lookup(iron); !ok || v.(blade).Damage != 5 {
		t.Fatalf("lookup: %v %v", v, ok)
	}
}

func TestUnknownRegistry(t *testing.T) {
	testlog.Start(t)
	d := newDirectory(t)
	recv := d.NewReceiver("host", Guest)
	for _, m := range []session.SyncMessage{
		session.Start{Path: "nowhere"},
		session.Content{Path: "nowhere", ID: ident.MustParse("a:b"), Tag: bladeTag},
		session.End{Path: "nowhere"},
	} {
		if err := recv.Handle(m); !errors.Is(err, ErrUnknownRegistry) {
			t.Fatalf("%T: expected ErrUnknownRegistry, got %v", m, err)
		}
	}
	if _, err := d.Sync(context.Background(), &tape{}, All(), "nowhere"); !errors.Is(err, ErrUnknownRegistry) {
		t.Fatalf("expected ErrUnknownRegistry from sync, got %v", err)
	}
}

func TestSyncStopsBeforeEndOnTransportFailure(t *testing.T) {
	testlog.Start(t)
	blades := newWeapons(t, "arms/blades", true)
	load(t, blades, bladeEntry("arms:a", 1), bladeEntry("arms:b", 2), bladeEntry("arms:c", 3))
	d := newDirectory(t, blades)

	tp := &tape{failAfter: 2}
	sent, err := d.Sync(context.Background(), tp, All(), "arms/blades")
	if err == nil {
		t.Fatalf("expected send failure")
	}
	if sent != 1 {
		t.Fatalf("sent=%d", sent)
	}
	for _, m := range tp.msgs {
		if _, ok := m.(session.End); ok {
			t.Fatalf("end sent after failure")
		}
	}
	if _, err := d.Sync(context.Background(), nil, All(), "arms/blades"); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}

func newHubNode(t *testing.T, id transport.PeerID, role string, cfg NodeConfig) (*transport.Hub, *Node) {
	t.Helper()
	scfg := session.DefaultConfig()
	scfg.CompressThreshold = 64
	return newHubNodeWith(t, id, role, cfg, scfg)
}

func newHubNodeWith(t *testing.T, id transport.PeerID, role string, cfg NodeConfig, scfg session.Config) (*transport.Hub, *Node) {
	t.Helper()
	logger := testlog.Logger(t)
	cfg.Logger = &logger
	node, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	hub, err := transport.NewHub(transport.HubConfig{ID: id, Role: role, Session: scfg, Logger: &logger}, node)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	node.Bind(hub)
	t.Cleanup(hub.Close)
	return hub, node
}

func waitCommit(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for commit")
		return Result{}
	}
}

func TestNodesReplicateOverTransport(t *testing.T) {
	testlog.Start(t)
	hostBlades := newWeapons(t, "arms/blades", true)
	hostBows := newWeapons(t, "arms/bows", true)
	load(t, hostBlades, bladeEntry("arms:iron", 5), bladeEntry("arms:gold", 4))
	load(t, hostBows, bowEntry("arms:long", 30))
	hostHub, hostNode := newHubNode(t, "host", "host", NodeConfig{
		Directory:  newDirectory(t, hostBlades, hostBows),
		SyncOnJoin: true,
	})

	guestBlades := newWeapons(t, "arms/blades", true)
	guestBows := newWeapons(t, "arms/bows", true)
	commits := make(chan Result, 8)
	guestHub, _ := newHubNode(t, "guest", "guest", NodeConfig{
		Directory: newDirectory(t, guestBlades, guestBows),
		OnCommit:  func(r Result) { commits <- r },
	})

	if err := transport.Pipe(guestHub, hostHub); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	waitCommit(t, commits)
	waitCommit(t, commits)
	if diff := cmp.Diff(hostBlades.Snapshot(), guestBlades.Snapshot()); diff != "" {
		t.Fatalf("blades (-host +guest):\n%s", diff)
	}
	if diff := cmp.Diff(hostBows.Snapshot(), guestBows.Snapshot()); diff != "" {
		t.Fatalf("bows (-host +guest):\n%s", diff)
	}

	holder := guestBlades.Holder(ident.MustParse("arms:iron"))
	load(t, hostBlades, bladeEntry("arms:iron", 8))
	if err := hostNode.SyncPath(context.Background(), "arms/blades"); err != nil {
		t.Fatalf("sync path: %v", err)
	}
	if res := waitCommit(t, commits); res.Path != "arms/blades" || res.Committed != 1 {
		t.Fatalf("unexpected commit: %+v", res)
	}
	if v, err := holder.Get(); err != nil || v.(blade).Damage != 8 {
		t.Fatalf("holder after resync: %v %v", v, err)
	}
}

func TestCombinedNodeRefreshesItself(t *testing.T) {
	testlog.Start(t)
	blades := newWeapons(t, "arms/blades", true)
	load(t, blades, bladeEntry("arms:iron", 5))
	dir := newDirectory(t, blades)
	var seen cycles
	seen.watch(blades)

	hostHub, _ := newHubNode(t, "host", "host", NodeConfig{Directory: dir, SyncOnJoin: true})
	commits := make(chan Result, 4)
	localHub, _ := newHubNode(t, "local", "guest", NodeConfig{
		Directory: dir,
		Authority: Origin,
		OnCommit:  func(r Result) { commits <- r },
	})
	before := blades.Snapshot()
	if err := transport.Pipe(localHub, hostHub); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	res := waitCommit(t, commits)
	if !res.SelfHosted {
		t.Fatalf("expected self-hosted commit: %+v", res)
	}
	if diff := cmp.Diff(before, blades.Snapshot()); diff != "" {
		t.Fatalf("live map changed (-before +after):\n%s", diff)
	}
	if begin, on := seen.counts(); begin != 1 || on != 1 {
		t.Fatalf("callbacks begin=%d on=%d", begin, on)
	}
}

type drops struct {
	mu      sync.Mutex
	reasons []string
}

func (d *drops) Sent(string, int)            {}
func (d *drops) Committed(string, int, bool) {}
func (d *drops) Dropped(_, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
}

func (d *drops) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reasons...)
}

func TestOversizeEntryIsSkippedAndLinkSurvives(t *testing.T) {
	testlog.Start(t)
	scfg := session.DefaultConfig()
	scfg.CompressThreshold = 0
	scfg.Limits.MaxPayloadBytes = 512

	hostBlades := newWeapons(t, "arms/blades", true)
	huge := "arms:" + strings.Repeat("x", 600)
	load(t, hostBlades, bladeEntry("arms:iron", 5), bladeEntry(huge, 9))
	logger := testlog.Logger(t)
	metrics := &drops{}
	hostDir := NewDirectory(DirectoryConfig{Logger: &logger, Metrics: metrics})
	if err := hostDir.Register(hostBlades); err != nil {
		t.Fatalf("register: %v", err)
	}
	hostHub, hostNode := newHubNodeWith(t, "host", "host", NodeConfig{Directory: hostDir}, scfg)

	guestBlades := newWeapons(t, "arms/blades", true)
	commits := make(chan Result, 4)
	guestHub, _ := newHubNodeWith(t, "guest", "guest", NodeConfig{
		Directory: newDirectory(t, guestBlades),
		OnCommit:  func(r Result) { commits <- r },
	}, scfg)
	if err := transport.Pipe(guestHub, hostHub); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	waitPeers(t, hostHub, 1)

	sent, err := hostDir.Sync(context.Background(), hostHub, All(), "arms/blades")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent=%d", sent)
	}
	if res := waitCommit(t, commits); res.Committed != 1 {
		t.Fatalf("unexpected commit: %+v", res)
	}
	if _, ok := guestBlades.Lookup(ident.MustParse("arms:iron")); !ok {
		t.Fatalf("arms:iron missing on guest")
	}
	if _, ok := guestBlades.Lookup(ident.MustParse(huge)); ok {
		t.Fatalf("oversize entry reached guest")
	}
	if diff := cmp.Diff([]string{DropOversize}, metrics.list()); diff != "" {
		t.Fatalf("drops (-want +got):\n%s", diff)
	}

	// The link is still usable after the rejected frame.
	if diff := cmp.Diff([]transport.PeerID{"guest"}, hostHub.Peers()); diff != "" {
		t.Fatalf("host peers (-want +got):\n%s", diff)
	}
	load(t, hostBlades, bladeEntry("arms:iron", 7))
	if err := hostNode.SyncPath(context.Background(), "arms/blades"); err != nil {
		t.Fatalf("sync path: %v", err)
	}
	waitCommit(t, commits)
	if v, ok := guestBlades.Lookup(ident.MustParse("arms:iron")); !ok || v.(blade).Damage != 7 {
		t.Fatalf("arms:iron after resync: %v %v", v, ok)
	}
}

func waitPeers(t *testing.T, h *transport.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for len(h.Peers()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d peers, have %v", n, h.Peers())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
