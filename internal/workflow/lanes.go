package workflow

// Task queues, one per stage lane. Workers size each lane independently.
const (
	QueueControl   = "promptlab.control"
	QueueExecute   = "promptlab.execute"
	QueueSafety    = "promptlab.safety"
	QueueJudge     = "promptlab.judge"
	QueueAggregate = "promptlab.aggregate"
	QueueRefine    = "promptlab.refine"
	QueueDatagen   = "promptlab.datagen"
)

// Queues lists every lane.
var Queues = []string{
	QueueControl, QueueExecute, QueueSafety, QueueJudge, QueueAggregate, QueueRefine, QueueDatagen,
}

// Activity names as registered by the worker.
const (
	ActivityAcquireLease     = "AcquireLease"
	ActivityRenewLease       = "RenewLease"
	ActivityReleaseLease     = "ReleaseLease"
	ActivityPrepareIteration = "PrepareIteration"
	ActivitySetStatus        = "SetStatus"
	ActivityFailRun          = "FailRun"
	ActivityGenerateDataset  = "GenerateDataset"
	ActivityExecuteRun       = "ExecuteRun"
	ActivitySafetyScan       = "SafetyScan"
	ActivityJudge            = "Judge"
	ActivityAggregate        = "Aggregate"
	ActivityRefine           = "Refine"
)

// WorkflowIteration is the registered workflow name.
const WorkflowIteration = "IterationWorkflow"
