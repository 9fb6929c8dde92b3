package runnerz

// testUpdate is the minimal Update implementation shared across this
// package's tests.
type testUpdate int

func (u testUpdate) UpdateID() int { return int(u) }

func updates(ids ...int) []testUpdate {
	out := make([]testUpdate, len(ids))
	for i, id := range ids {
		out[i] = testUpdate(id)
	}
	return out
}
