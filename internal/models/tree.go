package models

import "time"

// NewSessionTree builds the rows for a session started from routine by
// subject at now. Every template set becomes one set with status default.
// newID supplies row ids.
func NewSessionTree(subjectID string, routine Routine, now time.Time, newID func() string) SessionTree {
	sess := WorkoutSession{
		ID:               newID(),
		SubjectAccountID: subjectID,
		RoutineRef:       routine.Reference,
		DisplayName:      routine.Name,
		StartedAt:        now,
		IsActive:         true,
		UpdatedAt:        now,
	}
	tree := SessionTree{Session: sess}

	perSection := map[Section]int{}
	for _, re := range routine.Exercises {
		section := re.Section
		if section == "" {
			section = SectionTraining
		}
		ex := ExerciseInstance{
			ID:           newID(),
			SessionID:    sess.ID,
			TemplateRef:  re.TemplateRef,
			NameSnapshot: re.Name,
			Section:      section,
			OrderIndex:   perSection[section],
			UpdatedAt:    now,
		}
		perSection[section]++
		tree.Exercises = append(tree.Exercises, ex)

		for i, ts := range re.Sets {
			tree.Sets = append(tree.Sets, ts.Instance(newID(), ex, i, now))
		}
	}
	return tree
}

// Instance materializes the template as set number idx of ex.
func (t TemplateSet) Instance(id string, ex ExerciseInstance, idx int, now time.Time) SetInstance {
	kind := t.Kind
	if kind == "" {
		kind = SetKindReps
	}
	return SetInstance{
		ID:                 id,
		SessionID:          ex.SessionID,
		ExerciseInstanceID: ex.ID,
		TemplateSetRef:     t.TemplateRef,
		OrderIndex:         idx,
		Kind:               kind,
		TargetReps:         t.TargetReps,
		TargetDurationSec:  t.TargetDurationSec,
		Weight:             t.Weight,
		WeightUnit:         t.WeightUnit,
		VariantLabel:       t.VariantLabel,
		Status:             SetStatusDefault,
		UpdatedAt:          now,
	}
}
