package status_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/reportoor/pkg/status"
)

func TestParseMetrics(t *testing.T) {
	tests := []struct {
		name string
		text string
		want status.Counters
	}{
		{
			name: "single metric",
			text: "launch_status_passed 7\n",
			want: status.Counters{Passed: 7},
		},
		{
			name: "all metrics with exposition noise",
			text: `# HELP launch_status_failed failed tests
# TYPE launch_status_failed gauge
launch_status_failed 2
launch_status_broken 1
launch_status_passed	40
launch_status_skipped 3
launch_status_unknown 0
launch_time_duration 1234
`,
			want: status.Counters{Failed: 2, Broken: 1, Passed: 40, Skipped: 3},
		},
		{
			name: "malformed value is zero",
			text: "launch_status_failed many\nlaunch_status_passed 5\n",
			want: status.Counters{Passed: 5},
		},
		{
			name: "similar metric names are not confused",
			text: "launch_status_passed_total 9\nlaunch_status_passed 4\n",
			want: status.Counters{Passed: 4},
		},
		{
			name: "windows line endings",
			text: "launch_status_broken 6\r\nlaunch_status_skipped 1\r\n",
			want: status.Counters{Broken: 6, Skipped: 1},
		},
		{
			name: "empty input",
			text: "",
			want: status.Counters{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.ParseMetrics(tt.text))
		})
	}
}

func TestParseExecutor(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    *status.Pipeline
		wantErr bool
	}{
		{
			name: "list takes first element",
			text: `[{"buildName":"nightly #12","buildUrl":"https://ci.example.com/12","buildOrder":12},{"buildName":"other"}]`,
			want: &status.Pipeline{
				Name:       strPtr("nightly #12"),
				URL:        strPtr("https://ci.example.com/12"),
				BuildOrder: int64Ptr(12),
			},
		},
		{
			name: "single object",
			text: `{"name":"GitLab","buildName":"pipeline 7","buildOrder":"7"}`,
			want: &status.Pipeline{
				Name:       strPtr("pipeline 7"),
				BuildOrder: int64Ptr(7),
			},
		},
		{
			name: "missing keys are nil",
			text: `{"type":"jenkins"}`,
			want: &status.Pipeline{},
		},
		{
			name: "numeric build name is stringified",
			text: `{"buildName":42}`,
			want: &status.Pipeline{Name: strPtr("42")},
		},
		{
			name: "non-integral build order is dropped",
			text: `{"buildName":"x","buildOrder":1.5}`,
			want: &status.Pipeline{Name: strPtr("x")},
		},
		{name: "malformed json", text: `{"buildName":`, wantErr: true},
		{name: "empty list", text: `[]`, wantErr: true},
		{name: "scalar document", text: `"hello"`, wantErr: true},
		{name: "object build name", text: `{"buildName":{"a":1}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := status.ParseExecutor(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, got)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromFields(t *testing.T) {
	t.Run("explicit counters and identity", func(t *testing.T) {
		got := status.FromFields(status.Fields{
			Passed:             "5",
			Failed:             "2",
			Skipped:            "",
			Broken:             "abc",
			Unknown:            "-3",
			PipelineStatus:     "1",
			PipelineURL:        "https://ci.example.com/1",
			PipelineName:       "main",
			PipelineBuildOrder: "99",
		}, false)

		assert.Equal(t, status.Counters{Passed: 5, Failed: 2}, got.Counters)
		require.NotNil(t, got.Result)
		assert.Equal(t, status.PipelineFailure, *got.Result)
		assert.Equal(t, strPtr("https://ci.example.com/1"), got.URL)
		assert.Equal(t, strPtr("main"), got.Name)
		assert.Equal(t, int64Ptr(99), got.BuildOrder)
	})

	t.Run("missing pipeline status is unknown", func(t *testing.T) {
		got := status.FromFields(status.Fields{}, false)

		assert.Nil(t, got.Result)
		assert.Nil(t, got.Name)
		assert.Nil(t, got.URL)
		assert.Nil(t, got.BuildOrder)
	})

	t.Run("missing pipeline status assumed success", func(t *testing.T) {
		got := status.FromFields(status.Fields{PipelineStatus: "n/a"}, true)

		require.NotNil(t, got.Result)
		assert.Equal(t, status.PipelineSuccess, *got.Result)
	})
}

func TestFromFields_BuildOrder(t *testing.T) {
	tests := []struct {
		in   string
		want *int64
	}{
		{in: "42", want: int64Ptr(42)},
		{in: " 7 ", want: int64Ptr(7)},
		{in: "-1", want: int64Ptr(-1)},
		{in: "", want: nil},
		{in: "abc", want: nil},
		{in: "#12", want: nil},
		{in: "1.5", want: nil},
		{in: "99999999999999999999", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := status.FromFields(status.Fields{PipelineBuildOrder: tt.in}, false)
			assert.Equal(t, tt.want, got.BuildOrder)
		})
	}
}

func TestResolve(t *testing.T) {
	base := status.FromFields(status.Fields{
		Passed:       "5",
		Failed:       "2",
		PipelineName: "from-form",
		PipelineURL:  "https://form.example.com",
	}, false)

	t.Run("metrics replace all counters", func(t *testing.T) {
		got := status.Resolve(base, &status.Counters{Passed: 7}, nil)

		assert.Equal(t, status.Counters{Passed: 7}, got.Counters)
		assert.Equal(t, strPtr("from-form"), got.Name)
	})

	t.Run("executor replaces all identity fields", func(t *testing.T) {
		got := status.Resolve(base, nil, &status.Pipeline{Name: strPtr("from-archive")})

		assert.Equal(t, strPtr("from-archive"), got.Name)
		assert.Nil(t, got.URL)
		assert.Equal(t, status.Counters{Passed: 5, Failed: 2}, got.Counters)
	})

	t.Run("nothing extracted keeps base", func(t *testing.T) {
		assert.Equal(t, base, status.Resolve(base, nil, nil))
	})
}

func strPtr(s string) *string {
	return &s
}

func int64Ptr(n int64) *int64 {
	return &n
}
