package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/open-edge-platform/bhyze/internal/abuild"
	"github.com/open-edge-platform/bhyze/internal/buildhash"
	"github.com/open-edge-platform/bhyze/internal/remote"
)

// fakeServer answers the handful of shell commands issued against a build
// server from an in-memory file tree.
type fakeServer struct {
	host  string
	mu    sync.Mutex
	files map[string]string
	calls []string
}

func (s *fakeServer) Host() string { return s.host }

func (s *fakeServer) Run(ctx context.Context, command string) (*remote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, command)

	res := &remote.Result{Command: command}
	switch {
	case strings.HasPrefix(command, "test -d "):
		dir := strings.TrimPrefix(command, "test -d ") + "/"
		res.ExitStatus = 1
		for p := range s.files {
			if strings.HasPrefix(p, dir) {
				res.ExitStatus = 0
			}
		}
	case strings.HasPrefix(command, "test -f "):
		if _, ok := s.files[strings.TrimPrefix(command, "test -f ")]; !ok {
			res.ExitStatus = 1
		}
	case strings.HasPrefix(command, "ls "):
		dir := strings.TrimPrefix(command, "ls ")
		var names []string
		for p := range s.files {
			if path.Dir(p) == dir {
				names = append(names, path.Base(p))
			}
		}
		sort.Strings(names)
		res.Stdout = strings.Join(names, "\n") + "\n"
	case strings.HasPrefix(command, "cat "):
		res.Stdout = s.files[strings.TrimPrefix(command, "cat ")]
	case strings.HasPrefix(command, "tac "):
		p, quoted, _ := strings.Cut(strings.TrimPrefix(command, "tac "), " | grep -m 1 ")
		pattern := strings.Trim(quoted, "'")
		lines := strings.Split(strings.TrimSuffix(s.files[p], "\n"), "\n")
		res.ExitStatus = 1
		for i := len(lines) - 1; i >= 0; i-- {
			if grepMatch(lines[i], pattern) {
				res.Stdout, res.ExitStatus = lines[i]+"\n", 0
				break
			}
		}
	case strings.HasPrefix(command, "grep -m 1 "):
		p := command[strings.LastIndex(command, " ")+1:]
		res.ExitStatus = 1
		for _, l := range strings.Split(s.files[p], "\n") {
			if strings.Contains(l, buildhash.BuildOrderMarker) {
				res.Stdout, res.ExitStatus = l+"\n", 0
				break
			}
		}
	default:
		return nil, fmt.Errorf("unexpected command %q", command)
	}
	return res, nil
}

func grepMatch(line, pattern string) bool {
	if strings.HasPrefix(pattern, "^") {
		return strings.HasPrefix(line, pattern[1:])
	}
	return strings.Contains(line, pattern)
}

var testLayout = buildhash.Layout{WorkspaceRoot: "/var/Abuild"}

func testDescriptor(id int, platform string) *abuild.Descriptor {
	return &abuild.Descriptor{
		Start:    fmt.Sprintf("20240105-%04d", id),
		Submit:   "20240105-0059",
		Publish:  "20240105-0330",
		BuildID:  id,
		Project:  "eos-trunk",
		Platform: platform,
		Server:   "bs301",
	}
}

// addBuild places a build's Abuild.log and hash logs on the server.
func (s *fakeServer) addBuild(d *abuild.Descriptor, order string, logs map[string]string) {
	s.files[testLayout.AbuildLog(d)] = "starting\n" + buildhash.BuildOrderMarker + " " + order + "\ndone\n"
	for name, content := range logs {
		s.files[path.Join(testLayout.HashLogDir(d), name)] = content
	}
}

func hashLog(content, deps, final string) string {
	return fmt.Sprintf("buildhash now %s due to contents of /src\nbuildhash now %s due to depSig glibc\nbuildhash now %s\n",
		content, deps, final)
}

type fakeProvider struct {
	descs map[int]*abuild.Descriptor
}

func (p *fakeProvider) Lookup(ctx context.Context, id int) (*abuild.Descriptor, error) {
	d, ok := p.descs[id]
	if !ok {
		return nil, fmt.Errorf("no build %d", id)
	}
	return d, nil
}

// installFakes replaces the descriptor provider and SSH sessions and returns
// the number of sessions opened so far.
func installFakes(t *testing.T, server *fakeServer, descs ...*abuild.Descriptor) func() int {
	t.Helper()
	prevProvider, prevSession := newProvider, withSession

	byID := map[int]*abuild.Descriptor{}
	for _, d := range descs {
		byID[d.BuildID] = d
	}
	newProvider = func(string) descriptorLookup { return &fakeProvider{descs: byID} }

	var mu sync.Mutex
	opened := 0
	withSession = func(ctx context.Context, host string, cfg remote.SessionConfig, fn func(remote.Executor) error) error {
		if host != server.host {
			return fmt.Errorf("unknown host %s", host)
		}
		mu.Lock()
		opened++
		mu.Unlock()
		return fn(server)
	}

	t.Cleanup(func() {
		newProvider, withSession = prevProvider, prevSession
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return opened
	}
}

// writeTestConfig writes a config pointing the cache at a temp directory.
func writeTestConfig(t *testing.T) (cfgPath, cacheDir string) {
	t.Helper()
	dir := t.TempDir()
	cacheDir = filepath.Join(dir, "cache")
	cfgPath = filepath.Join(dir, "bhyze.yml")
	content := fmt.Sprintf("cache_dir: %s\nworkers: 2\nlogging:\n  level: error\n", cacheDir)
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, cacheDir
}
