package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/scopedstore"
	"pkt.systems/scopedstore/internal/version"
)

func executeRootCommand(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	t.Setenv("SCOPEDSTORE_CONFIG", "")
	t.Setenv("SCOPEDSTORE_CONFIG_DIR", t.TempDir())
	viper.Reset()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(io.Discard)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, err := executeRootCommand(t, nil, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestObjectCommandsAgainstDiskStore(t *testing.T) {
	root := t.TempDir()
	store := "--store=disk://" + root
	src := filepath.Join(t.TempDir(), "segment.bin")
	if err := os.WriteFile(src, []byte("binlog-bytes"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if _, err := executeRootCommand(t, nil, store, "put", "files/insert_log/42/7/1", "-f", src); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := executeRootCommand(t, strings.NewReader("from-stdin"), store, "put", "files/insert_log/42/7/2"); err != nil {
		t.Fatalf("put stdin: %v", err)
	}

	out, err := executeRootCommand(t, nil, store, "exist", "files/insert_log/42/7/1")
	if err != nil || strings.TrimSpace(out) != "true" {
		t.Fatalf("exist: %q err=%v", out, err)
	}
	out, err = executeRootCommand(t, nil, store, "size", "files/insert_log/42/7/1")
	if err != nil || strings.TrimSpace(out) != "12" {
		t.Fatalf("size: %q err=%v", out, err)
	}
	out, err = executeRootCommand(t, nil, store, "get", "files/insert_log/42/7/2")
	if err != nil || out != "from-stdin" {
		t.Fatalf("get: %q err=%v", out, err)
	}
	dst := filepath.Join(t.TempDir(), "out.bin")
	if _, err := executeRootCommand(t, nil, store, "get", "files/insert_log/42/7/1", "-o", dst); err != nil {
		t.Fatalf("get -o: %v", err)
	}
	if data, err := os.ReadFile(dst); err != nil || string(data) != "binlog-bytes" {
		t.Fatalf("unexpected output file %q err=%v", data, err)
	}

	out, err = executeRootCommand(t, nil, store, "ls", "files/insert_log/", "--recursive")
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if !strings.Contains(out, "files/insert_log/42/7/1") || !strings.Contains(out, "files/insert_log/42/7/2") {
		t.Fatalf("ls missing keys: %q", out)
	}

	out, err = executeRootCommand(t, nil, store, "ls", "files/insert_log/42/")
	if err != nil {
		t.Fatalf("ls flat: %v", err)
	}
	if strings.TrimSpace(out) != "files/insert_log/42/7/" {
		t.Fatalf("flat listing must show the nested prefix, got %q", out)
	}

	if _, err := executeRootCommand(t, nil, store, "rm", "files/insert_log/42/7/1"); err != nil {
		t.Fatalf("rm: %v", err)
	}
	out, err = executeRootCommand(t, nil, store, "exist", "files/insert_log/42/7/1")
	if err != nil || strings.TrimSpace(out) != "false" {
		t.Fatalf("exist after rm: %q err=%v", out, err)
	}

	if _, err := executeRootCommand(t, nil, store, "rm-prefix", "files/insert_log/"); err != nil {
		t.Fatalf("rm-prefix: %v", err)
	}
	out, err = executeRootCommand(t, nil, store, "ls", "files/", "--recursive")
	if err != nil || strings.TrimSpace(out) != "" {
		t.Fatalf("expected empty listing, got %q err=%v", out, err)
	}
}

func TestResolveCommand(t *testing.T) {
	t.Setenv(scopedstore.EnvInstanceName, "")
	t.Setenv(scopedstore.EnvAccessManagerURL, "")
	byok := []string{
		"--store=s3://localhost:9000/milvus",
		"--byok",
		"--root-path=files",
		"--instance-name=engine-a",
		"--access-manager-url=127.0.0.1:1",
		"--write-access=operation",
	}

	out, err := executeRootCommand(t, nil, append(byok, "resolve", "files/insert_log/42/7/1", "--op", "write")...)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out, "route=scoped collection=42 write=true bucket=milvus") {
		t.Fatalf("unexpected resolve output %q", out)
	}

	out, err = executeRootCommand(t, nil, append(byok, "resolve", "files/insert_log/42/7/1")...)
	if err != nil || !strings.Contains(out, "collection=42 write=false") {
		t.Fatalf("expected read-only scope, got %q err=%v", out, err)
	}

	out, err = executeRootCommand(t, nil, append(byok, "resolve", "files/insert_log/", "--op", "list")...)
	if err != nil || !strings.Contains(out, "collection=-1") {
		t.Fatalf("expected global listing scope, got %q err=%v", out, err)
	}

	_, err = executeRootCommand(t, nil, append(byok, "resolve", "files/insert_log/abc/7/1")...)
	if !errors.Is(err, scopedstore.ErrPathScopeUnresolvable) {
		t.Fatalf("expected unresolvable path error, got %v", err)
	}

	out, err = executeRootCommand(t, nil, "--store=mem://", "resolve", "files/insert_log/42/7/1")
	if err != nil || !strings.Contains(out, "route=shared") {
		t.Fatalf("expected shared route, got %q err=%v", out, err)
	}
}

func TestResolveCommandDoesNotOpenStorage(t *testing.T) {
	t.Setenv(scopedstore.EnvInstanceName, "")
	t.Setenv(scopedstore.EnvAccessManagerURL, "")
	out, err := executeRootCommand(t, nil, "--store=s3://127.0.0.1:1/unreachable", "resolve", "files/insert_log/42/7/1", "--op", "write")
	if err != nil {
		t.Fatalf("resolve against unreachable shared store: %v", err)
	}
	if strings.TrimSpace(out) != "op=write route=shared bucket=unreachable" {
		t.Fatalf("unexpected resolve output %q", out)
	}
}

func TestConfigGenStdout(t *testing.T) {
	out, err := executeRootCommand(t, nil, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("parse generated yaml: %v", err)
	}
	if parsed["store"] != scopedstore.DefaultStore || parsed["write-access"] != scopedstore.DefaultWriteAccess {
		t.Fatalf("unexpected defaults: %v", parsed)
	}
	if _, ok := parsed["s3-secret-access-key"]; ok {
		t.Fatalf("generated config must not carry secrets")
	}
}

func TestConfigFileFeedsFlags(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "scopedstore.yaml")
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Store = "disk://" + root
	})
	if err != nil {
		t.Fatalf("render config: %v", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := executeRootCommand(t, strings.NewReader("x"), "--config", cfgPath, "put", "files/a/1/x"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("disk root missing: %v", err)
	}
	out, err := executeRootCommand(t, nil, "--store=disk://"+root, "exist", "files/a/1/x")
	if err != nil || strings.TrimSpace(out) != "true" {
		t.Fatalf("object written through config file not found: %q err=%v", out, err)
	}
}

func TestBindConfigParsesPartSizeAndSegmentIndex(t *testing.T) {
	viper.Reset()
	viper.Set("s3-max-part-size", "8MiB")
	viper.Set("collection-segment-index", 4)
	var cfg scopedstore.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.S3MaxPartSize != 8<<20 {
		t.Fatalf("unexpected part size %d", cfg.S3MaxPartSize)
	}
	if !cfg.CollectionSegmentIndexSet || cfg.CollectionSegmentIndex != 4 {
		t.Fatalf("expected pinned segment index, got %d set=%t", cfg.CollectionSegmentIndex, cfg.CollectionSegmentIndexSet)
	}

	viper.Set("collection-segment-index", -1)
	cfg = scopedstore.Config{}
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.CollectionSegmentIndexSet {
		t.Fatalf("-1 must derive the index from the root path")
	}

	viper.Set("s3-max-part-size", "lots")
	if err := bindConfig(&cfg); err == nil {
		t.Fatalf("expected part size parse error")
	}
	viper.Reset()
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandPath("~/cfg.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "cfg.yaml") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got, _ := expandPath(""); got != "" {
		t.Fatalf("empty path must stay empty")
	}
}
