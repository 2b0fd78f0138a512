// Package zfstest provides an in-memory zfs(8) stand-in for tests of code
// built on the zfs package.
package zfstest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Pool implements zfs.Runner over an in-memory dataset tree. Sends write
// "stream:<snapshot>" and receives recreate the snapshot named in the stream.
// Snapshots are ordered by when they were added, which is what rollback
// compares.
type Pool struct {
	mu        sync.Mutex
	datasets  map[string]map[string]string
	snapshots map[string]string
	created   map[string]int
	seq       int
	calls     []string
	failures  map[string]error
}

// NewPool returns a pool holding the given datasets.
func NewPool(datasets ...string) *Pool {
	p := &Pool{
		datasets:  map[string]map[string]string{},
		snapshots: map[string]string{},
		created:   map[string]int{},
		failures:  map[string]error{},
	}
	for _, ds := range datasets {
		p.datasets[ds] = map[string]string{}
	}
	return p
}

// AddSnapshot seeds a snapshot with a refer size such as "12M".
func (p *Pool) AddSnapshot(snapshot, refer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addSnapshot(snapshot, refer)
}

func (p *Pool) addSnapshot(snapshot, refer string) {
	p.seq++
	p.snapshots[snapshot] = refer
	p.created[snapshot] = p.seq
}

func (p *Pool) removeSnapshot(snapshot string) {
	delete(p.snapshots, snapshot)
	delete(p.created, snapshot)
}

// Fail makes every invocation whose joined args start with prefix fail.
func (p *Pool) Fail(prefix string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[prefix] = err
}

// HasDataset reports whether the pool holds dataset.
func (p *Pool) HasDataset(ds string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.datasets[ds]
	return ok
}

// HasSnapshot reports whether the pool holds snapshot.
func (p *Pool) HasSnapshot(snapshot string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.snapshots[snapshot]
	return ok
}

// Properties returns the properties a dataset was created with.
func (p *Pool) Properties(ds string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.datasets[ds]
}

// Calls returns every invocation so far as joined args.
func (p *Pool) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Called reports whether an invocation starting with prefix happened.
func (p *Pool) Called(prefix string) bool {
	for _, c := range p.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (p *Pool) record(args []string) error {
	key := strings.Join(args, " ")
	p.calls = append(p.calls, key)
	for prefix, err := range p.failures {
		if strings.HasPrefix(key, prefix) {
			return err
		}
	}
	return nil
}

// Run implements zfs.Runner.
func (p *Pool) Run(_ context.Context, args ...string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record(args); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no command")
	}
	switch args[0] {
	case "list":
		return p.list(args[1:])
	case "create":
		return nil, p.create(args[1:])
	case "snapshot":
		snap := args[len(args)-1]
		ds, _, _ := strings.Cut(snap, "@")
		if _, ok := p.datasets[ds]; !ok {
			return nil, fmt.Errorf("cannot open '%s': dataset does not exist", ds)
		}
		p.addSnapshot(snap, "1M")
		return nil, nil
	case "destroy":
		return nil, p.destroy(args[1:])
	case "rollback":
		return nil, p.rollback(args[1:])
	}
	return nil, fmt.Errorf("unsupported command %q", strings.Join(args, " "))
}

func (p *Pool) list(args []string) ([]byte, error) {
	joined := strings.Join(args, " ")
	var b strings.Builder
	switch {
	case joined == "-H -o name":
		for _, ds := range sortedKeys(p.datasets) {
			fmt.Fprintln(&b, ds)
		}
	case joined == "-H -t snapshot -o name,refer":
		for _, snap := range sortedKeys(p.snapshots) {
			fmt.Fprintf(&b, "%s\t%s\n", snap, p.snapshots[snap])
		}
	case strings.HasPrefix(joined, "-H -t snapshot -o name,refer -d 1 "):
		ds := args[len(args)-1]
		for _, snap := range sortedKeys(p.snapshots) {
			if strings.HasPrefix(snap, ds+"@") {
				fmt.Fprintf(&b, "%s\t%s\n", snap, p.snapshots[snap])
			}
		}
	case strings.HasPrefix(joined, "-H -o refer "):
		refer, ok := p.snapshots[args[len(args)-1]]
		if !ok {
			return nil, fmt.Errorf("dataset does not exist")
		}
		fmt.Fprintln(&b, refer)
	default:
		return nil, fmt.Errorf("unsupported list %q", joined)
	}
	return []byte(b.String()), nil
}

func (p *Pool) create(args []string) error {
	props := map[string]string{}
	ds := args[len(args)-1]
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-o" && i+1 < len(args)-1 {
			k, v, _ := strings.Cut(args[i+1], "=")
			props[k] = v
			i++
		}
	}
	if _, ok := p.datasets[ds]; ok {
		return fmt.Errorf("cannot create '%s': dataset already exists", ds)
	}
	// -p creates missing parents
	parts := strings.Split(ds, "/")
	for i := 1; i < len(parts); i++ {
		parent := strings.Join(parts[:i], "/")
		if _, ok := p.datasets[parent]; !ok {
			p.datasets[parent] = map[string]string{}
		}
	}
	p.datasets[ds] = props
	return nil
}

// rollback refuses when later snapshots exist unless -r is given, in which
// case it destroys them.
func (p *Pool) rollback(args []string) error {
	snap := args[len(args)-1]
	at, ok := p.created[snap]
	if !ok {
		return fmt.Errorf("cannot open '%s': snapshot does not exist", snap)
	}
	recursive := false
	for _, a := range args[:len(args)-1] {
		if a == "-r" {
			recursive = true
		}
	}
	ds, _, _ := strings.Cut(snap, "@")
	var later []string
	for other, seq := range p.created {
		if od, _, _ := strings.Cut(other, "@"); od == ds && seq > at {
			later = append(later, other)
		}
	}
	if len(later) > 0 && !recursive {
		return fmt.Errorf("cannot rollback to '%s': more recent snapshots or bookmarks exist", snap)
	}
	for _, other := range later {
		p.removeSnapshot(other)
	}
	return nil
}

func (p *Pool) destroy(args []string) error {
	target := args[len(args)-1]
	if strings.Contains(target, "@") {
		if _, ok := p.snapshots[target]; !ok {
			return fmt.Errorf("could not find any snapshots to destroy")
		}
		p.removeSnapshot(target)
		return nil
	}
	if _, ok := p.datasets[target]; !ok {
		return fmt.Errorf("cannot open '%s': dataset does not exist", target)
	}
	for ds := range p.datasets {
		if ds == target || strings.HasPrefix(ds, target+"/") {
			delete(p.datasets, ds)
		}
	}
	for snap := range p.snapshots {
		ds, _, _ := strings.Cut(snap, "@")
		if ds == target || strings.HasPrefix(ds, target+"/") {
			p.removeSnapshot(snap)
		}
	}
	return nil
}

// Stream implements zfs.Runner for send and recv.
func (p *Pool) Stream(_ context.Context, stdin io.Reader, stdout io.Writer, args ...string) error {
	p.mu.Lock()
	err := p.record(args)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	switch {
	case len(args) == 2 && args[0] == "send":
		if !p.HasSnapshot(args[1]) {
			return fmt.Errorf("snapshot %s does not exist", args[1])
		}
		_, err := io.WriteString(stdout, "stream:"+args[1])
		return err
	case len(args) == 3 && args[0] == "recv":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		source, ok := strings.CutPrefix(string(data), "stream:")
		if !ok {
			return fmt.Errorf("invalid stream")
		}
		_, name, _ := strings.Cut(source, "@")
		p.mu.Lock()
		defer p.mu.Unlock()
		p.datasets[args[2]] = map[string]string{}
		p.addSnapshot(args[2]+"@"+name, "1M")
		return nil
	}
	return fmt.Errorf("unsupported stream %q", strings.Join(args, " "))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
