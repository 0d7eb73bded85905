package transfer

import (
	"testing"

	"github.com/bitrise-io/go-objectstorage/errors"
	"github.com/bitrise-io/go-objectstorage/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlanner() *Planner {
	return NewPlanner(Options{
		SingleShotThreshold:     5 * MiB,
		PartSize:                5 * MiB,
		MinPartSize:             5 * MiB,
		CopySingleShotThreshold: 5 * MiB,
	})
}

func TestPlanner_Plan(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		wantMode  Mode
		wantSizes []int64
	}{
		{
			name:      "empty source",
			size:      0,
			wantMode:  SingleShot,
			wantSizes: []int64{0},
		},
		{
			name:      "at threshold",
			size:      5 * MiB,
			wantMode:  SingleShot,
			wantSizes: []int64{5 * MiB},
		},
		{
			name:      "one byte over threshold",
			size:      5*MiB + 1,
			wantMode:  Multipart,
			wantSizes: []int64{5 * MiB, 1},
		},
		{
			name:      "12 MiB",
			size:      12 * MiB,
			wantMode:  Multipart,
			wantSizes: []int64{5 * MiB, 5 * MiB, 2 * MiB},
		},
		{
			name:      "exact multiple keeps a full last part",
			size:      15 * MiB,
			wantMode:  Multipart,
			wantSizes: []int64{5 * MiB, 5 * MiB, 5 * MiB},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := testPlanner().Plan(tt.size)
			require.NoError(t, err)

			assert.Equal(t, tt.wantMode, plan.Mode)
			assert.Equal(t, tt.size, plan.TotalSize)
			assert.Equal(t, len(tt.wantSizes), plan.PartCount)
			assert.Equal(t, tt.wantSizes, plan.Sizes())
		})
	}
}

func TestPlanner_Plan_Invariants(t *testing.T) {
	planner := NewPlanner(Options{
		SingleShotThreshold: 5 * MiB,
		PartSize:            5 * MiB,
		MinPartSize:         5 * MiB,
		MaxPartCount:        10,
	})

	for _, size := range []int64{5*MiB + 1, 7 * MiB, 49 * MiB, 50 * MiB, 50*MiB + 1, 100*MiB + 1, 3 * GiB} {
		plan, err := planner.Plan(size)
		require.NoError(t, err)

		assert.Equal(t, Multipart, plan.Mode, "size %d", size)
		assert.LessOrEqual(t, plan.PartCount, 10, "size %d", size)
		assert.GreaterOrEqual(t, plan.PartSize, 5*MiB, "size %d", size)
		assert.Less(t, plan.PartSize*int64(plan.PartCount-1), size, "size %d", size)
		assert.GreaterOrEqual(t, plan.PartSize*int64(plan.PartCount), size, "size %d", size)

		var total int64
		for _, s := range plan.Sizes() {
			assert.Greater(t, s, int64(0))
			total += s
		}
		assert.Equal(t, size, total, "size %d", size)
	}
}

func TestPlanner_Plan_GrowsPartSize(t *testing.T) {
	planner := NewPlanner(Options{
		SingleShotThreshold: 5 * MiB,
		PartSize:            5 * MiB,
		MinPartSize:         5 * MiB,
		MaxPartCount:        10,
	})

	plan, err := planner.Plan(100*MiB + 1)
	require.NoError(t, err)

	assert.Equal(t, 10*MiB+1, plan.PartSize)
	assert.Equal(t, 10, plan.PartCount)
}

func TestPlanner_Plan_UnknownLength(t *testing.T) {
	plan, err := testPlanner().Plan(-1)
	require.NoError(t, err)

	assert.Equal(t, Multipart, plan.Mode)
	assert.True(t, plan.Streaming())
	assert.Equal(t, DefaultStreamPartSize, plan.PartSize)
	assert.Nil(t, plan.Ranges())
}

func TestPlanner_Plan_TooLarge(t *testing.T) {
	planner := NewPlanner(Options{MaxPartCount: 1})

	_, err := planner.Plan(6 * GiB)

	var planningErr *errors.PlanningError
	require.ErrorAs(t, err, &planningErr)
}

func TestPlanner_InvalidBounds(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "negative part size", opts: Options{PartSize: -1}},
		{name: "negative minimum part size", opts: Options{MinPartSize: -5}},
		{name: "negative threshold", opts: Options{SingleShotThreshold: -1}},
		{name: "negative stream part size", opts: Options{StreamPartSize: -1}},
		{name: "part count limit too high", opts: Options{MaxPartCount: storage.MaxPartCount + 1}},
		{name: "part count limit negative", opts: Options{MaxPartCount: -1}},
		{name: "minimum part size too high", opts: Options{MinPartSize: 6 * GiB}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlanner(tt.opts).Plan(10 * MiB)

			var planningErr *errors.PlanningError
			require.ErrorAs(t, err, &planningErr)
		})
	}
}

func TestPlanner_PlanCopy(t *testing.T) {
	t.Run("below threshold", func(t *testing.T) {
		plan, err := testPlanner().PlanCopy(4*MiB, false)
		require.NoError(t, err)
		assert.Equal(t, SingleShot, plan.Mode)
	})

	t.Run("three times the threshold", func(t *testing.T) {
		plan, err := testPlanner().PlanCopy(15*MiB, false)
		require.NoError(t, err)
		assert.Equal(t, Multipart, plan.Mode)

		var total int64
		for _, r := range plan.Ranges() {
			total += r.Len()
		}
		assert.Equal(t, 15*MiB, total)
	})

	t.Run("same region without direct copy", func(t *testing.T) {
		plan, err := testPlanner().PlanCopy(15*MiB, true)
		require.NoError(t, err)
		assert.Equal(t, Multipart, plan.Mode)
	})

	t.Run("same region with direct copy", func(t *testing.T) {
		opts := testPlanner().Options()
		opts.SameRegionDirectCopy = true

		plan, err := NewPlanner(opts).PlanCopy(15*MiB, true)
		require.NoError(t, err)
		assert.Equal(t, SingleShot, plan.Mode)
	})

	t.Run("unknown length", func(t *testing.T) {
		_, err := testPlanner().PlanCopy(-1, false)

		var planningErr *errors.PlanningError
		require.ErrorAs(t, err, &planningErr)
	})
}

func TestPlan_Ranges(t *testing.T) {
	plan, err := testPlanner().Plan(12 * MiB)
	require.NoError(t, err)

	want := []storage.ByteRange{
		{Start: 0, End: 5*MiB - 1},
		{Start: 5 * MiB, End: 10*MiB - 1},
		{Start: 10 * MiB, End: 12*MiB - 1},
	}
	assert.Equal(t, want, plan.Ranges())
	assert.Equal(t, "bytes=10485760-12582911", plan.Ranges()[2].String())
}
