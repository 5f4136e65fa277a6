package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodStrategy = `package strategy

import (
	"math"

	"fundengine/sdk"
)

func Decide(m sdk.Market) []sdk.Decision {
	var out []sdk.Decision
	for _, s := range m.Symbols {
		h := m.History[s]
		if len(h) < 2 {
			continue
		}
		if math.Abs(h[len(h)-1]-h[len(h)-2]) > 0 && len(m.Open(s)) == 0 {
			out = append(out, sdk.Decision{Action: sdk.Buy, Symbol: s, SizeFraction: 0.05})
		}
	}
	return out
}
`

const goodAnalysis = `package analysis

import "fundengine/sdk"

func Analyze(q sdk.Querier) sdk.Report {
	rows, err := q.Query("SELECT count(*) AS n FROM trades WHERE close_reason = 'stop'")
	if err != nil {
		return sdk.Report{Notes: []string{err.Error()}}
	}
	return sdk.Report{Metrics: map[string]float64{"rows": float64(len(rows))}}
}
`

func codes(v Verdict) []Code { return v.Codes() }

func TestValidate_AcceptsWellFormedUnits(t *testing.T) {
	v := Validate([]byte(goodStrategy), TierStrategy)
	assert.True(t, v.Accepted(), "%+v", v.Violations)
	assert.Equal(t, "strategy", v.Package)
	assert.NoError(t, v.Err())

	v = Validate([]byte(goodAnalysis), TierAnalysis)
	assert.True(t, v.Accepted(), "%+v", v.Violations)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		tier Tier
		src  string
		want Code
	}{
		{
			name: "network import",
			tier: TierStrategy,
			src:  "package s\nimport \"net/http\"\nfunc Decide(m int) int { _ = http.Get; return 0 }\n",
			want: CodeImportNotAllowed,
		},
		{
			name: "filesystem import",
			tier: TierStrategy,
			src:  "package s\nimport \"os\"\nfunc Decide(m int) int { os.Exit(1); return 0 }\n",
			want: CodeImportNotAllowed,
		},
		{
			name: "dot import",
			tier: TierStrategy,
			src:  "package s\nimport . \"math\"\nfunc Decide(m int) int { return int(Abs(1)) }\n",
			want: CodeImportNotAllowed,
		},
		{
			name: "disallowed member of allowed package",
			tier: TierStrategy,
			src:  "package s\nimport \"fmt\"\nfunc Decide(m int) int { fmt.Println(m); return 0 }\n",
			want: CodeSymbolNotAllowed,
		},
		{
			name: "timer spawns work",
			tier: TierStrategy,
			src:  "package s\nimport \"time\"\nfunc Decide(m int) int { time.AfterFunc(time.Second, nil); return 0 }\n",
			want: CodeSymbolNotAllowed,
		},
		{
			name: "root error catch",
			tier: TierStrategy,
			src:  "package s\nfunc Decide(m int) (r int) { defer func() { recover() }(); return 0 }\n",
			want: CodeRootErrorCatch,
		},
		{
			name: "reflection",
			tier: TierStrategy,
			src:  "package s\nimport \"reflect\"\nfunc Decide(m int) int { return int(reflect.ValueOf(m).Int()) }\n",
			want: CodePrivateReflection,
		},
		{
			name: "private selector",
			tier: TierStrategy,
			src:  "package s\nfunc Decide(m struct{ _x int }) int { return m._x }\n",
			want: CodePrivateReflection,
		},
		{
			name: "linkname",
			tier: TierStrategy,
			src:  "package s\n//go:linkname now runtime.nanotime\nfunc now() int64\nfunc Decide(m int) int { return 0 }\n",
			want: CodePrivateReflection,
		},
		{
			name: "cgo",
			tier: TierStrategy,
			src:  "package s\nimport \"C\"\nfunc Decide(m int) int { return 0 }\n",
			want: CodeNativeExtension,
		},
		{
			name: "goroutine",
			tier: TierStrategy,
			src:  "package s\nfunc Decide(m int) int { go func() {}(); return 0 }\n",
			want: CodeGoroutine,
		},
		{
			name: "init",
			tier: TierStrategy,
			src:  "package s\nfunc init() {}\nfunc Decide(m int) int { return 0 }\n",
			want: CodeInitFunction,
		},
		{
			name: "missing entrypoint",
			tier: TierStrategy,
			src:  "package s\nfunc decide(m int) int { return 0 }\n",
			want: CodeMissingEntrypoint,
		},
		{
			name: "parse error",
			tier: TierStrategy,
			src:  "package s\nfunc Decide( {\n",
			want: CodeParseError,
		},
		{
			name: "mutation query",
			tier: TierAnalysis,
			src:  "package a\nfunc Analyze(q Q) int { q.Query(\"DELETE FROM trades\"); return 0 }\n",
			want: CodeQueryMutation,
		},
		{
			name: "data modifying CTE",
			tier: TierAnalysis,
			src:  "package a\nfunc Analyze(q Q) int { q.Query(\"WITH x AS (UPDATE positions SET tag = 'a' RETURNING *) SELECT * FROM x\"); return 0 }\n",
			want: CodeQueryMutation,
		},
		{
			name: "stacked statements",
			tier: TierAnalysis,
			src:  "package a\nfunc Analyze(q Q) int { q.Query(\"SELECT 1; DROP TABLE trades\"); return 0 }\n",
			want: CodeQueryMutation,
		},
		{
			name: "null byte in query",
			tier: TierAnalysis,
			src:  "package a\nfunc Analyze(q Q) int { q.Query(\"SELECT 1\\x00; DELETE FROM trades\"); return 0 }\n",
			want: CodeQueryNullByte,
		},
		{
			name: "dynamic query",
			tier: TierAnalysis,
			src:  "package a\nfunc Analyze(q Q, t string) int { q.Query(\"SELECT * FROM \" + t); return 0 }\n",
			want: CodeQueryNotConstant,
		},
		{
			name: "extension load",
			tier: TierAnalysis,
			src:  "package a\nfunc Analyze(q Q) int { q.Query(\"SELECT load_extension('x')\"); return 0 }\n",
			want: CodeNativeExtension,
		},
		{
			name: "unknown tier",
			tier: Tier("root"),
			src:  goodStrategy,
			want: CodeUnknownTier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate([]byte(tt.src), tt.tier)
			require.False(t, v.Accepted())
			assert.Contains(t, codes(v), tt.want, "%+v", v.Violations)

			var rejected *RejectedError
			assert.ErrorAs(t, v.Err(), &rejected)
		})
	}
}

func TestValidate_NullByteHidingMutationIsCaughtTwice(t *testing.T) {
	src := "package a\nfunc Analyze(q Q) int { q.Query(\"SELECT 1\\x00; DELETE FROM trades\"); return 0 }\n"
	v := Validate([]byte(src), TierAnalysis)
	assert.Contains(t, codes(v), CodeQueryNullByte)
	assert.Contains(t, codes(v), CodeQueryMutation)
}

func TestValidate_ShadowedRecoverIsAllowed(t *testing.T) {
	src := "package s\nfunc recover() int { return 1 }\nfunc Decide(m int) int { return recover() }\n"
	v := Validate([]byte(src), TierStrategy)
	assert.True(t, v.Accepted(), "%+v", v.Violations)
}

func TestValidate_ViolationsCarryLines(t *testing.T) {
	v := Validate([]byte("package s\n\nimport \"os\"\nfunc Decide(m int) int { return 0 }\n"), TierStrategy)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, 3, v.Violations[0].Line)
}

func TestCheckQuery(t *testing.T) {
	assert.Empty(t, CheckQuery("SELECT * FROM trades WHERE tag = 'delete me'"))
	assert.Empty(t, CheckQuery("-- recent\nSELECT symbol FROM positions;"))
	assert.Empty(t, CheckQuery("with t as (select 1) select * from t"))
	assert.NotEmpty(t, CheckQuery("PRAGMA table_info(trades)"))
	assert.NotEmpty(t, CheckQuery("SELECT * INTO copy FROM trades"))
	assert.NotEmpty(t, CheckQuery(""))
}

func TestAllowedMember(t *testing.T) {
	assert.True(t, AllowedMember("math", "Sqrt"))
	assert.True(t, AllowedMember("fmt", "Sprintf"))
	assert.False(t, AllowedMember("fmt", "Println"))
	assert.False(t, AllowedMember("os", "Exit"))
	assert.Contains(t, AllowedImports(), "fundengine/sdk")
}
