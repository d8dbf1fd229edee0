package scheduler

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskRunGenerator = "actions.generate"

const TaskEvaluateAttribution = "attribution.evaluate"

const TaskSweepAttributions = "attribution.sweep"

// RunGeneratorPayload names the generator to run. An empty ClinicID means
// every active clinic; a zero At means the time the task is processed.
type RunGeneratorPayload struct {
	Generator string    `json:"generator"`
	ClinicID  string    `json:"clinicId,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

type EvaluateAttributionPayload struct {
	PatientID string `json:"patientId"`
	InvoiceID string `json:"invoiceId"`
}

type SweepAttributionsPayload struct {
	ClinicID string `json:"clinicId,omitempty"`
}

func NewRunGeneratorTask(payload RunGeneratorPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRunGenerator, data), nil
}

func ParseRunGeneratorPayload(task *asynq.Task) (RunGeneratorPayload, error) {
	var payload RunGeneratorPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunGeneratorPayload{}, err
	}
	return payload, nil
}

func NewEvaluateAttributionTask(payload EvaluateAttributionPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEvaluateAttribution, data), nil
}

func ParseEvaluateAttributionPayload(task *asynq.Task) (EvaluateAttributionPayload, error) {
	var payload EvaluateAttributionPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return EvaluateAttributionPayload{}, err
	}
	return payload, nil
}

func NewSweepAttributionsTask(payload SweepAttributionsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSweepAttributions, data), nil
}

func ParseSweepAttributionsPayload(task *asynq.Task) (SweepAttributionsPayload, error) {
	var payload SweepAttributionsPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return SweepAttributionsPayload{}, err
	}
	return payload, nil
}
