package dsl

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const admitPatientJSON = `{
  "name": "admit-patient",
  "vars": {"ward": "A"},
  "steps": [
    {"id": "create-encounter", "save_as": "enc",
     "http": {"method": "POST", "url": "http://emr/encounters", "body": {"patient": "${input.patient_id}"}, "service": "emr"},
     "retry": {"max_attempts": 3, "delay_seconds": 5},
     "on_failure": {"compensate": "undo-encounter"}},
    {"id": "nurse-triage", "save_as": "triage",
     "task": {"name": "triage ${input.patient_id}", "candidate_roles": ["nurse"], "payload": {"enc": "${ctx.enc}"}}},
    {"id": "notify", "kafka_publish": {"topic": "his.workflow.events", "key": "${instance.id}",
     "payload": {"enc": "${ctx.enc}", "triage": "${ctx.triage}"}}},
    {"id": "undo-encounter", "compensate": {"http": {"method": "DELETE", "url": "http://emr/encounters/${ctx.enc.body.id}"}}}
  ]
}`

const admitPatientYAML = `
name: admit-patient
vars:
  ward: A
steps:
  - id: create-encounter
    save_as: enc
    http:
      method: POST
      url: http://emr/encounters
      body:
        patient: ${input.patient_id}
      service: emr
    retry:
      max_attempts: 3
      delay_seconds: 5
    on_failure:
      compensate: undo-encounter
  - id: nurse-triage
    save_as: triage
    task:
      name: triage ${input.patient_id}
      candidate_roles: [nurse]
      payload:
        enc: ${ctx.enc}
  - id: notify
    kafka_publish:
      topic: his.workflow.events
      key: ${instance.id}
      payload:
        enc: ${ctx.enc}
        triage: ${ctx.triage}
  - id: undo-encounter
    compensate:
      http:
        method: DELETE
        url: http://emr/encounters/${ctx.enc.body.id}
`

func TestParse_AdmitPatient(t *testing.T) {
	spec, err := Parse([]byte(admitPatientJSON))
	require.NoError(t, err)
	require.NoError(t, Validate(spec))

	require.Len(t, spec.Steps, 4)
	assert.Equal(t, StepKindHTTP, spec.Steps[0].Kind())
	assert.Equal(t, StepKindTask, spec.Steps[1].Kind())
	assert.Equal(t, StepKindPublish, spec.Steps[2].Kind())
	assert.Equal(t, StepKindCompensate, spec.Steps[3].Kind())
	assert.Equal(t, "enc", spec.Steps[0].ResultKey())
	assert.Equal(t, "notify", spec.Steps[2].ResultKey())
	assert.True(t, spec.Steps[0].OnFailure.FailAfterCompensation())
}

func TestParseYAML_MatchesJSON(t *testing.T) {
	fromJSON, err := Parse([]byte(admitPatientJSON))
	require.NoError(t, err)
	fromYAML, err := ParseYAML([]byte(admitPatientYAML))
	require.NoError(t, err)

	assert.Equal(t, fromJSON, fromYAML)

	auto, err := ParseAny([]byte(admitPatientYAML))
	require.NoError(t, err)
	assert.Equal(t, fromJSON, auto)
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte(`{"steps":[{"id":"a","htpp":{"url":"x"}}]}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestValidate_ExactlyOneKind(t *testing.T) {
	spec := &Spec{Steps: []*Step{
		{ID: "none"},
		{ID: "two", Timer: &TimerStep{Seconds: 1}, Assign: &AssignStep{Variables: map[string]any{"a": "1"}}},
	}}
	err := Validate(spec)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems(), 2)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	spec := &Spec{Steps: []*Step{
		{ID: "dup", Timer: &TimerStep{Seconds: -1}},
		{ID: "dup", HTTP: &HTTPStep{Method: "TRACE"}},
		{ID: "cond", Switch: &SwitchStep{Cases: []*Case{{Condition: "vars.a = 1", Steps: []*Step{{ID: "in", Timer: &TimerStep{}}}}}}},
	}}
	err := Validate(spec)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	// 负数秒、重复id、缺url、不支持的method、非法条件表达式
	assert.GreaterOrEqual(t, len(verr.Problems()), 5)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestValidate_EventWaitInsideLanes(t *testing.T) {
	spec := &Spec{Steps: []*Step{
		{ID: "fan", Parallel: &ParallelStep{Branches: []*Branch{
			{Steps: []*Step{{ID: "call", HTTP: &HTTPStep{URL: "http://x", WaitForEvent: &EventWait{Event: "lab.done"}}}}},
			{Steps: []*Step{{ID: "rx", HTTP: &HTTPStep{URL: "http://y", WaitForEvent: &EventWait{Event: "rx.ready"}}}}},
		}}},
		{ID: "each", Map: &MapStep{Input: "vars.orders", Steps: []*Step{
			{ID: "order", HTTP: &HTTPStep{URL: "http://z", WaitForEvent: &EventWait{Event: "order.done"}}},
		}}},
	}}
	assert.NoError(t, Validate(spec))

	// 事件名仍然必填
	spec.Steps[0].Parallel.Branches[1].Steps[0].HTTP.WaitForEvent.Event = ""
	err := Validate(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait_for_event.event")
}

func TestValidate_CompensationReferences(t *testing.T) {
	missing := &Spec{Steps: []*Step{
		{ID: "call", HTTP: &HTTPStep{URL: "http://x"}, OnFailure: &FailurePolicy{Compensate: "nope"}},
	}}
	assert.Error(t, Validate(missing))

	notCompensate := &Spec{Steps: []*Step{
		{ID: "call", HTTP: &HTTPStep{URL: "http://x"}, OnFailure: &FailurePolicy{Compensate: "other"}},
		{ID: "other", HTTP: &HTTPStep{URL: "http://y"}},
	}}
	assert.Error(t, Validate(notCompensate))
}

func TestValidate_CompensationCycle(t *testing.T) {
	spec := &Spec{Steps: []*Step{
		{ID: "call", HTTP: &HTTPStep{URL: "http://x"}, OnFailure: &FailurePolicy{Compensate: "undo-a"}},
		{ID: "undo-a", Compensate: &CompensateStep{HTTP: &HTTPStep{URL: "http://a"}}, OnFailure: &FailurePolicy{Compensate: "undo-b"}},
		{ID: "undo-b", Compensate: &CompensateStep{HTTP: &HTTPStep{URL: "http://b"}}, OnFailure: &FailurePolicy{Compensate: "undo-a"}},
	}}
	err := Validate(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "补偿链")

	// 去掉回边后合法
	spec.Steps[2].OnFailure = nil
	assert.NoError(t, Validate(spec))
}

func TestValidate_MapAndAssign(t *testing.T) {
	spec := &Spec{Steps: []*Step{
		{ID: "init", Assign: &AssignStep{Variables: map[string]any{
			"elderly": "input.age >= 65",
			"label":   "patient ${input.patient_id}",
			"limit":   float64(3),
		}}},
		{ID: "orders", Map: &MapStep{Input: "input.orders", As: "order", Concurrency: 2, Output: "ctx.sent",
			Steps: []*Step{{ID: "send", SaveAs: "sent", HTTP: &HTTPStep{URL: "http://lis/${vars.order.id}"}}}}},
	}}
	assert.NoError(t, Validate(spec))

	spec.Steps[1].Map.Input = ""
	assert.Error(t, Validate(spec))
}

func TestSpec_FindStepAndClone(t *testing.T) {
	spec, err := Parse([]byte(`{"steps":[{"id":"s","switch":{"cases":[{"condition":"true","steps":[{"id":"deep","timer":{"seconds":1}}]}]}}]}`))
	require.NoError(t, err)

	deep := spec.FindStep("deep")
	require.NotNil(t, deep)
	assert.Equal(t, int64(1), deep.Timer.Seconds)
	assert.Nil(t, spec.FindStep("missing"))

	clone, err := spec.Clone()
	require.NoError(t, err)
	assert.Equal(t, spec, clone)
	clone.Steps[0].ID = "changed"
	assert.Equal(t, "s", spec.Steps[0].ID)
}

// TestParseYAML_ExampleTemplate 仓库自带的住院登记模板必须能通过校验
func TestParseYAML_ExampleTemplate(t *testing.T) {
	data, err := os.ReadFile("../../../examples/templates/admit_patient.yaml")
	require.NoError(t, err)
	spec, err := ParseYAML(data)
	require.NoError(t, err)
	require.NoError(t, Validate(spec))
	assert.Equal(t, "住院登记", spec.Name)
	assert.Equal(t, StepKindCompensate, spec.Steps[len(spec.Steps)-1].Kind())
}
