package constraint

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

func buildJobStatus(id string, args map[string]any) *types.JobStatus {
	status := types.NewJobStatus("test_key")
	status.ID = id
	status.Arguments = types.NewJobArguments(args)
	return status
}

func TestUniqueByArgumentStandardMatching(t *testing.T) {
	inbound := buildJobStatus("", map[string]any{"param1": "val1"})
	existing := buildJobStatus("existing", map[string]any{"param1": "val1"})

	c, err := UniqueByArgument("param1")
	require.NoError(t, err)

	result, err := c.Test(inbound, []*types.JobStatus{existing})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "existing", result[0].ID)
}

func TestUniqueByArgumentMatchesAmongOtherParams(t *testing.T) {
	inbound := buildJobStatus("", map[string]any{"paramA": "valA", "param2": "val2", "paramC": "valC"})
	existing := buildJobStatus("existing", map[string]any{"param1": "val1", "param2": "val2", "param3": "val3"})

	c, err := UniqueByArgument("param2")
	require.NoError(t, err)

	result, err := c.Test(inbound, []*types.JobStatus{existing})
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestUniqueByArgumentMultipleParamsOutOfOrder(t *testing.T) {
	args := map[string]any{"param1": "val1", "param2": "val2", "param3": "val3"}
	inbound := buildJobStatus("", args)
	existing := buildJobStatus("existing", args)

	c, err := UniqueByArgument("param2", "param1", "param3")
	require.NoError(t, err)

	result, err := c.Test(inbound, []*types.JobStatus{existing})
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestUniqueByArgumentRequiresEveryParam(t *testing.T) {
	inbound := buildJobStatus("", map[string]any{"param1": "val1", "param2": "val2"})
	partial := buildJobStatus("partial", map[string]any{"param1": "val1", "param2": "other"})

	c, err := UniqueByArgument("param1", "param2")
	require.NoError(t, err)

	result, err := c.Test(inbound, []*types.JobStatus{partial})
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestUniqueByArgumentAbsentArgumentNeverCollides(t *testing.T) {
	withArg := buildJobStatus("with", map[string]any{"owner": "acme"})
	legacy := buildJobStatus("legacy", map[string]any{})

	c, err := UniqueByArgument("owner")
	require.NoError(t, err)

	// existing job lacking the argument
	result, err := c.Test(buildJobStatus("", map[string]any{"owner": "acme"}), []*types.JobStatus{legacy})
	require.NoError(t, err)
	assert.Empty(t, result)

	// inbound job lacking the argument
	result, err = c.Test(buildJobStatus("", nil), []*types.JobStatus{withArg, legacy})
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestUniqueByArgumentComparesCanonicalStrings(t *testing.T) {
	c, err := UniqueByArgument("count")
	require.NoError(t, err)

	inbound := buildJobStatus("", map[string]any{"count": 3})
	sameNumber := buildJobStatus("a", map[string]any{"count": int64(3)})
	asString := buildJobStatus("b", map[string]any{"count": "3"})
	different := buildJobStatus("c", map[string]any{"count": 4})

	result, err := c.Test(inbound, []*types.JobStatus{sameNumber, asString, different})
	require.NoError(t, err)

	ids := []string{}
	for _, r := range result {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestUniqueByArgumentSkipsSelf(t *testing.T) {
	c, err := UniqueByArgument("owner")
	require.NoError(t, err)

	job := buildJobStatus("same", map[string]any{"owner": "acme"})
	result, err := c.Test(job, []*types.JobStatus{job})
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestConstraintInputValidation(t *testing.T) {
	c, err := UniqueByArgument("owner")
	require.NoError(t, err)
	inbound := buildJobStatus("", map[string]any{"owner": "acme"})

	_, err = c.Test(nil, []*types.JobStatus{})
	assert.True(t, errors.Is(err, joberr.ErrInvalidArgument))

	_, err = c.Test(inbound, nil)
	assert.True(t, errors.Is(err, joberr.ErrInvalidArgument))

	_, err = c.Test(inbound, []*types.JobStatus{buildJobStatus("x", nil), nil})
	assert.True(t, errors.Is(err, joberr.ErrInvalidArgument))

	_, err = UniqueByArgument()
	assert.True(t, errors.Is(err, joberr.ErrInvalidArgument))

	_, err = UniqueByValue("ok", " ")
	assert.True(t, errors.Is(err, joberr.ErrInvalidArgument))
}

func TestUniqueByValueUsesSnapshot(t *testing.T) {
	inbound := types.NewJobStatus("refreshpools")
	inbound.Constraints = map[string]map[string]any{UniqueSnapshot: {"owner": "acme"}}

	existing := types.NewJobStatus("refreshpools")
	existing.ID = "first"
	existing.Constraints = map[string]map[string]any{UniqueSnapshot: {"owner": "acme"}}

	other := types.NewJobStatus("refreshpools")
	other.ID = "other"
	other.Constraints = map[string]map[string]any{UniqueSnapshot: {"owner": "globex"}}

	c, err := UniqueByValue("owner")
	require.NoError(t, err)

	result, err := c.Test(inbound, []*types.JobStatus{other, existing})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "first", result[0].ID)
}

func TestEvaluateUnionsWithoutDuplicates(t *testing.T) {
	a := buildJobStatus("a", map[string]any{"owner": "acme", "pool": "p1"})
	b := buildJobStatus("b", map[string]any{"owner": "acme", "pool": "p2"})
	inbound := buildJobStatus("", map[string]any{"owner": "acme", "pool": "p2"})

	byOwner, err := UniqueByArgument("owner")
	require.NoError(t, err)
	byPool, err := UniqueByArgument("pool")
	require.NoError(t, err)

	never := Func(func(*types.JobStatus, []*types.JobStatus) ([]*types.JobStatus, error) {
		return nil, nil
	})

	result, err := Evaluate([]JobConstraint{byPool, byOwner, never, nil}, inbound, []*types.JobStatus{a, b})
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "b", result[0].ID)
	assert.Equal(t, "a", result[1].ID)

	_, err = never.Test(nil, nil)
	assert.Error(t, err)
}
