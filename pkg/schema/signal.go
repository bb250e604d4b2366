package schema

// Signal carries user-supplied values to a task halted at a user input step.
type Signal struct {
	TaskID string         `json:"task_id"`
	StepID string         `json:"step_id"`
	Input  map[string]any `json:"input"`
}

// Value resolves the value destined for inputKey. It prefers Input[inputKey]
// and falls back to the only entry when Input holds exactly one.
func (s Signal) Value(inputKey string) (any, error) {
	if v, ok := s.Input[inputKey]; ok {
		return v, nil
	}
	if len(s.Input) == 1 {
		for _, v := range s.Input {
			return v, nil
		}
	}
	return nil, NewErrorf(ErrCodeValidation, "user input must provide %q", inputKey).
		WithStep(s.StepID).
		WithDetails(map[string]any{"task_id": s.TaskID, "input_key": inputKey})
}
