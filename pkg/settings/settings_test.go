package settings

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/engine-controller/pkg/runs"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestParse_EmptyUsesDefaults(t *testing.T) {
	log, _ := test.NewNullLogger()

	assert.Equal(t, Defaults(), parse(log, map[string]string{}, Defaults()))
}

func TestParse_Values(t *testing.T) {
	log, _ := test.NewNullLogger()

	got := parse(log, map[string]string{
		KeyBootstrap:             "http://api:8080/bootstrap",
		KeyMaxEngines:            "3",
		KeyEngineLabel:           "k8s-engine",
		KeyEngineImage:           "registry/engine:1.2",
		KeyEngineCommand:         `engine --mode "full run"`,
		KeyEngineMemory:          "512",
		KeyEngineNetwork:         "testnet",
		KeyRunPoll:               "30",
		KeyRunPollRecheck:        "0",
		KeyScheduledRequestors:   "alice, bob,",
		KeyEngineCapabilities:    "+gpu, fast ,docker",
		KeyNodeArch:              "arm64",
		KeyNodePreferredAffinity: "zone = eu-1",
		KeyEngineCreateAttempts:  "4",
		KeyAllocationTimeout:     "60",
	}, Defaults())

	assert.Equal(t, "http://api:8080/bootstrap", got.Bootstrap)
	assert.Equal(t, 3, got.MaxEngines)
	assert.Equal(t, "k8s-engine", got.EngineLabel)
	assert.Equal(t, "registry/engine:1.2", got.EngineImage)
	assert.Equal(t, []string{"engine", "--mode", "full run"}, got.EngineCommand)
	assert.Equal(t, int64(512*mib), got.EngineMemory)
	assert.Equal(t, int64(512*mib), got.EngineMemoryRequest)
	assert.Equal(t, int64(612*mib), got.EngineMemoryLimit)
	assert.Equal(t, "testnet", got.EngineNetwork)
	assert.Equal(t, 30*time.Second, got.RunPoll)
	assert.Equal(t, time.Duration(0), got.RunPollRecheck)
	assert.Equal(t, []string{"alice", "bob"}, got.ScheduledRequestors)
	assert.Equal(t, []string{"gpu"}, got.RequiredCapabilities)
	assert.Equal(t, []string{"fast", "docker"}, got.CapableCapabilities)
	assert.Equal(t, "arm64", got.NodeArch)
	assert.Equal(t, &Affinity{Key: "zone", Value: "eu-1", Weight: DefaultAffinityWeight}, got.NodePreferred)
	assert.Equal(t, 4, got.EngineCreateAttempts)
	assert.Equal(t, time.Minute, got.AllocationTimeout)
}

func TestParse_Memory(t *testing.T) {
	log, _ := test.NewNullLogger()

	got := parse(log, map[string]string{
		KeyEngineMemory:        "1g",
		KeyEngineMemoryRequest: "256m",
		KeyEngineMemoryLimit:   "2048",
	}, Defaults())

	assert.Equal(t, int64(1024*mib), got.EngineMemory)
	assert.Equal(t, int64(256*mib), got.EngineMemoryRequest)
	assert.Equal(t, int64(2048*mib), got.EngineMemoryLimit)
}

func TestParse_InvalidKeepsPrevious(t *testing.T) {
	log, hook := test.NewNullLogger()

	prev := Defaults()
	prev.MaxEngines = 7
	prev.RunPoll = 45 * time.Second
	prev.EngineMemory = 900 * mib
	prev.EngineCommand = []string{"old"}
	prev.NodePreferred = &Affinity{Key: "a", Value: "b", Weight: DefaultAffinityWeight}
	prev.EngineCreateAttempts = 3

	got := parse(log, map[string]string{
		KeyMaxEngines:            "lots",
		KeyRunPoll:               "0",
		KeyEngineMemory:          "-5",
		KeyEngineCommand:         `unterminated "quote`,
		KeyNodePreferredAffinity: "no-equals",
		KeyEngineCreateAttempts:  "0",
		KeyEngineImage:           "fresh:1",
	}, prev)

	assert.Equal(t, 7, got.MaxEngines)
	assert.Equal(t, 45*time.Second, got.RunPoll)
	assert.Equal(t, int64(900*mib), got.EngineMemory)
	assert.Equal(t, []string{"old"}, got.EngineCommand)
	assert.Equal(t, prev.NodePreferred, got.NodePreferred)
	assert.Equal(t, 3, got.EngineCreateAttempts)
	assert.Equal(t, "fresh:1", got.EngineImage)

	warnings := 0

	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}

	assert.Equal(t, 6, warnings)
}

func TestParse_AbsentKeyResetsToDefault(t *testing.T) {
	log, _ := test.NewNullLogger()

	prev := Defaults()
	prev.MaxEngines = 9
	prev.EngineLabel = "old-label"

	got := parse(log, map[string]string{}, prev)

	assert.Equal(t, DefaultMaxEngines, got.MaxEngines)
	assert.Equal(t, DefaultEngineLabel, got.EngineLabel)
}

func TestSnapshot_Accepts(t *testing.T) {
	tests := []struct {
		name     string
		snapshot Snapshot
		run      runs.Run
		want     bool
	}{
		{name: "no filters", want: true},
		{
			name:     "requestor allowed",
			snapshot: Snapshot{ScheduledRequestors: []string{"alice"}},
			run:      runs.Run{Requestor: "alice"},
			want:     true,
		},
		{
			name:     "requestor excluded",
			snapshot: Snapshot{ScheduledRequestors: []string{"alice"}},
			run:      runs.Run{Requestor: "bob"},
		},
		{
			name: "run capability missing",
			run:  runs.Run{Capabilities: []string{"gpu"}},
		},
		{
			name:     "run capability offered",
			snapshot: Snapshot{CapableCapabilities: []string{"gpu"}},
			run:      runs.Run{Capabilities: []string{"gpu"}},
			want:     true,
		},
		{
			name:     "required capability not requested",
			snapshot: Snapshot{RequiredCapabilities: []string{"gpu"}},
		},
		{
			name:     "required capability requested",
			snapshot: Snapshot{RequiredCapabilities: []string{"gpu"}, CapableCapabilities: []string{"fast"}},
			run:      runs.Run{Capabilities: []string{"gpu", "fast"}},
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.snapshot.Accepts(&tt.run))
		})
	}
}

type stubSource struct {
	doc *Document
	err error
}

func (s *stubSource) Fetch(_ context.Context) (*Document, error) {
	return s.doc, s.err
}

func (s *stubSource) Describe() string {
	return "stub"
}

func countMessage(hook *test.Hook, msg string) int {
	n := 0

	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			n++
		}
	}

	return n
}

func TestSettings_Reload(t *testing.T) {
	log, hook := test.NewNullLogger()
	src := &stubSource{doc: &Document{Fingerprint: "v1", Values: map[string]string{KeyMaxEngines: "2"}}}

	s, err := New(context.Background(), log, src)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Current().MaxEngines)
	assert.Equal(t, 1, countMessage(hook, "Reloading parameters"))

	first := s.Current()

	changed, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, first, s.Current())
	assert.Equal(t, 1, countMessage(hook, "Reloading parameters"))

	src.doc = &Document{Fingerprint: "v2", Values: map[string]string{KeyMaxEngines: "5"}}

	changed, err = s.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 5, s.Current().MaxEngines)
	assert.Equal(t, 2, first.MaxEngines)
	assert.Equal(t, 2, countMessage(hook, "Reloading parameters"))
}

func TestSettings_ReloadErrorKeepsSnapshot(t *testing.T) {
	log, _ := test.NewNullLogger()
	src := &stubSource{doc: &Document{Fingerprint: "v1", Values: map[string]string{KeyEngineLabel: "x"}}}

	s, err := New(context.Background(), log, src)
	require.NoError(t, err)

	src.err = errors.New("unreachable")

	changed, err := s.Reload(context.Background())
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, "x", s.Current().EngineLabel)
}

func TestNew_InitialFetchFails(t *testing.T) {
	log, _ := test.NewNullLogger()

	_, err := New(context.Background(), log, &stubSource{err: errors.New("boom")})
	require.Error(t, err)
}

func TestStatic(t *testing.T) {
	snap := Defaults()

	assert.Same(t, snap, Static(snap).Current())
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.properties")

	require.NoError(t, os.WriteFile(path, []byte(
		"# controller settings\nmax_engines=4\nengine_label = file-engine\nnode_preferred_affinity=zone=b\n",
	), 0o600))

	src := NewFileSource(path)

	doc, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4", doc.Values[KeyMaxEngines])
	assert.Equal(t, "file-engine", doc.Values[KeyEngineLabel])
	assert.Equal(t, "zone=b", doc.Values[KeyNodePreferredAffinity])
	assert.NotEmpty(t, doc.Fingerprint)

	again, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, doc.Fingerprint, again.Fingerprint)

	require.NoError(t, os.WriteFile(path, []byte("max_engines=5\n"), 0o600))

	changed, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, doc.Fingerprint, changed.Fingerprint)
}

func TestFileSource_ValuesNotExpanded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.properties")

	require.NoError(t, os.WriteFile(path, []byte(
		"engine_image=repo/${TAG}\nbootstrap=${a}\na=${bootstrap}\nmax_engines=2\n",
	), 0o600))

	doc, err := NewFileSource(path).Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "repo/${TAG}", doc.Values[KeyEngineImage])
	assert.Equal(t, "${a}", doc.Values[KeyBootstrap])
	assert.Equal(t, "${bootstrap}", doc.Values["a"])

	log, hook := test.NewNullLogger()

	snap := parse(log, doc.Values, Defaults())
	assert.Empty(t, hook.AllEntries())
	assert.Equal(t, "repo/${TAG}", snap.EngineImage)
	assert.Equal(t, 2, snap.MaxEngines)
}

func TestFileSource_Missing(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope")).Fetch(context.Background())
	require.Error(t, err)
}

func TestConfigMapSource(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "config", Namespace: "tests"},
		Data: map[string]string{
			"MAX_ENGINES":  "6",
			"engine_image": "cm:latest",
		},
	})

	src := NewConfigMapSource(client, "tests", "config")

	doc, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "6", doc.Values[KeyMaxEngines])
	assert.Equal(t, "cm:latest", doc.Values[KeyEngineImage])
	assert.NotEmpty(t, doc.Fingerprint)
	assert.Equal(t, "configmap://tests/config", src.Describe())

	_, err = NewConfigMapSource(client, "tests", "missing").Fetch(context.Background())
	require.Error(t, err)
}

type stubGetter struct {
	body string
	etag string
	in   *s3.GetObjectInput
}

func (g *stubGetter) GetObject(
	_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options),
) (*s3.GetObjectOutput, error) {
	g.in = in

	out := &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(g.body))}
	if g.etag != "" {
		out.ETag = aws.String(g.etag)
	}

	return out, nil
}

func TestS3Source(t *testing.T) {
	getter := &stubGetter{body: "max_engines=8\n", etag: `"abc123"`}
	src := newS3Source(getter, "bucket", "controller/settings.properties")

	doc, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", doc.Fingerprint)
	assert.Equal(t, "8", doc.Values[KeyMaxEngines])
	assert.Equal(t, "bucket", aws.ToString(getter.in.Bucket))
	assert.Equal(t, "controller/settings.properties", aws.ToString(getter.in.Key))

	getter.etag = ""

	doc, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, doc.Fingerprint, 64)
}
