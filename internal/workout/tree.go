package workout

import (
	"slices"
	"sort"

	"github.com/claude/liftsync/internal/models"
)

// tree is the in-memory aggregate for one session. It is owned by an Engine
// and only touched under the engine lock.
type tree struct {
	session   models.WorkoutSession
	exercises []*exerciseNode
	// orphans holds sets whose exercise has not arrived yet, keyed by
	// exercise id. The exercise and set feeds are not ordered.
	orphans map[string][]models.SetInstance
}

type exerciseNode struct {
	ex   models.ExerciseInstance
	sets []models.SetInstance
}

func newTree(st models.SessionTree) *tree {
	t := &tree{session: st.Session, orphans: make(map[string][]models.SetInstance)}
	for _, ex := range st.Exercises {
		t.exercises = append(t.exercises, &exerciseNode{ex: ex})
	}
	t.sortExercises()
	for _, s := range st.Sets {
		if n := t.exercise(s.ExerciseInstanceID); n != nil {
			n.sets = append(n.sets, s)
		} else {
			t.orphans[s.ExerciseInstanceID] = append(t.orphans[s.ExerciseInstanceID], s)
		}
	}
	for _, n := range t.exercises {
		n.sortSets()
	}
	return t
}

func (t *tree) sortExercises() {
	sort.SliceStable(t.exercises, func(i, j int) bool {
		return t.exercises[i].ex.Before(t.exercises[j].ex)
	})
}

func (n *exerciseNode) sortSets() {
	sort.SliceStable(n.sets, func(i, j int) bool {
		return n.sets[i].Before(n.sets[j])
	})
}

func (t *tree) exercise(id string) *exerciseNode {
	for _, n := range t.exercises {
		if n.ex.ID == id {
			return n
		}
	}
	return nil
}

// findSet returns the exercise holding set id and its index there.
func (t *tree) findSet(id string) (*exerciseNode, int) {
	for _, n := range t.exercises {
		for i := range n.sets {
			if n.sets[i].ID == id {
				return n, i
			}
		}
	}
	return nil, -1
}

func (t *tree) section(s models.Section) []*exerciseNode {
	var out []*exerciseNode
	for _, n := range t.exercises {
		if n.ex.Section == s {
			out = append(out, n)
		}
	}
	return out
}

func (n *exerciseNode) visibleSets() int {
	count := 0
	for _, s := range n.sets {
		if s.Visible() {
			count++
		}
	}
	return count
}

// complete reports whether every visible set is complete. An exercise with
// no visible sets is not complete.
func (n *exerciseNode) complete() bool {
	visible := 0
	for _, s := range n.sets {
		if !s.Visible() {
			continue
		}
		visible++
		if !s.Complete() {
			return false
		}
	}
	return visible > 0
}

func (t *tree) hasCompletedSet() bool {
	for _, n := range t.exercises {
		for _, s := range n.sets {
			if s.Visible() && s.Complete() {
				return true
			}
		}
	}
	return false
}

func (t *tree) progress() Progress {
	var p Progress
	for _, n := range t.exercises {
		for _, s := range n.sets {
			if !s.Visible() {
				continue
			}
			p.TotalSets++
			if s.Complete() {
				p.CompletedSets++
			}
		}
		if n.visibleSets() > 0 {
			p.TotalExercises++
			if n.complete() {
				p.CompletedExercises++
			}
		}
	}
	return p
}

// setWins reports whether incoming replaces current under per-entity
// last-write-wins. Equal timestamps fall back to status rank so that every
// device picks the same winner regardless of delivery order.
func setWins(incoming, current models.SetInstance) bool {
	if incoming.UpdatedAt.After(current.UpdatedAt) {
		return true
	}
	if incoming.UpdatedAt.Before(current.UpdatedAt) {
		return false
	}
	return incoming.Status.Rank() >= current.Status.Rank()
}

// sessionWins is setWins for the session row. On a tie an inactive row
// beats an active one.
func sessionWins(incoming, current models.WorkoutSession) bool {
	if incoming.UpdatedAt.After(current.UpdatedAt) {
		return true
	}
	if incoming.UpdatedAt.Before(current.UpdatedAt) {
		return false
	}
	return current.IsActive || !incoming.IsActive
}

// mergeSet applies a set row received from the feed. It returns the row it
// replaced, if any, and whether the tree changed. Applying the same row twice
// leaves the tree as after the first application.
func (t *tree) mergeSet(row models.SetInstance) (prev *models.SetInstance, applied bool) {
	row.LocalOptimistic = false
	row.Pending = false
	row.SyncError = ""

	if n, i := t.findSet(row.ID); n != nil {
		cur := n.sets[i]
		if !setWins(row, cur) {
			return &cur, false
		}
		if n.ex.ID != row.ExerciseInstanceID {
			n.sets = slices.Delete(n.sets, i, i+1)
			t.placeSet(row)
			return &cur, true
		}
		n.sets[i] = row
		n.sortSets()
		return &cur, true
	}

	if orphans := t.orphans[row.ExerciseInstanceID]; len(orphans) > 0 {
		for i := range orphans {
			if orphans[i].ID == row.ID {
				if setWins(row, orphans[i]) {
					orphans[i] = row
				}
				return nil, false
			}
		}
	}
	t.placeSet(row)
	return nil, true
}

func (t *tree) placeSet(row models.SetInstance) {
	if n := t.exercise(row.ExerciseInstanceID); n != nil {
		n.sets = append(n.sets, row)
		n.sortSets()
		return
	}
	t.orphans[row.ExerciseInstanceID] = append(t.orphans[row.ExerciseInstanceID], row)
}

// removeSet drops set id wherever it lives. It is a no-op when absent.
func (t *tree) removeSet(id string) (removed *models.SetInstance) {
	if n, i := t.findSet(id); n != nil {
		s := n.sets[i]
		n.sets = slices.Delete(n.sets, i, i+1)
		return &s
	}
	for exID, orphans := range t.orphans {
		for i := range orphans {
			if orphans[i].ID == id {
				t.orphans[exID] = slices.Delete(orphans, i, i+1)
				return nil
			}
		}
	}
	return nil
}

// mergeExercise inserts or updates an exercise row, adopting orphaned sets.
func (t *tree) mergeExercise(row models.ExerciseInstance) bool {
	if n := t.exercise(row.ID); n != nil {
		if row.UpdatedAt.Before(n.ex.UpdatedAt) {
			return false
		}
		n.ex = row
		t.sortExercises()
		return true
	}
	n := &exerciseNode{ex: row, sets: t.orphans[row.ID]}
	delete(t.orphans, row.ID)
	n.sortSets()
	t.exercises = append(t.exercises, n)
	t.sortExercises()
	return true
}

// removeExercise drops an exercise and its sets.
func (t *tree) removeExercise(id string) bool {
	for i, n := range t.exercises {
		if n.ex.ID == id {
			t.exercises = slices.Delete(t.exercises, i, i+1)
			return true
		}
	}
	delete(t.orphans, id)
	return false
}

// mergeSession applies a session row received from the feed.
func (t *tree) mergeSession(row models.WorkoutSession) (prev models.WorkoutSession, applied bool) {
	prev = t.session
	if row.ID != t.session.ID || !sessionWins(row, t.session) {
		return prev, false
	}
	t.session = row
	return prev, true
}

// resolves reports whether id names an exercise of the tree.
func (t *tree) resolves(id string) bool {
	return id != "" && t.exercise(id) != nil
}
