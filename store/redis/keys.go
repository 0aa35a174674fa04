package redis

// Redis key naming conventions for flowline data.
// All keys are prefixed with "flowline:" to avoid collisions.

const keyPrefix = "flowline:"

// ── Workflow keys ──

// workflowKey returns the key for a workflow entity: flowline:wf:{id}
func workflowKey(id string) string { return keyPrefix + "wf:" + id }

// workflowSubjectKey is the Set of workflow IDs for one subject.
func workflowSubjectKey(subjectRef string) string {
	return keyPrefix + "wf_subject:" + subjectRef
}

// ── Step keys ──

// stepKey returns the key for a step entity: flowline:step:{id}
func stepKey(id string) string { return keyPrefix + "step:" + id }

// stepIndexKey is the Hash mapping slug to step ID within one workflow.
// HSETNX on it is what makes step materialization idempotent.
func stepIndexKey(workflowID string) string {
	return keyPrefix + "step_idx:" + workflowID
}

// stepSlugKey is the Set of step IDs referencing one slug, kept for orphan
// counting.
func stepSlugKey(slug string) string { return keyPrefix + "step_slug:" + slug }

// ── Catalog keys ──

// catalogKey returns the key for a catalog entry entity: flowline:cat:{id}
func catalogKey(id string) string { return keyPrefix + "cat:" + id }

// catalogBySlugKey maps slugs to catalog entry IDs.
const catalogBySlugKey = keyPrefix + "cat_by_slug"

// catalogByNameKey maps display names to catalog entry IDs.
const catalogByNameKey = keyPrefix + "cat_by_name"

// ── Definition keys ──

// definitionKey returns the key for a definition entity: flowline:def:{id}
func definitionKey(id string) string { return keyPrefix + "def:" + id }

// definitionBySlugKey maps slugs to definition IDs.
const definitionBySlugKey = keyPrefix + "def_by_slug"

// ── Execution keys ──

// executionKey returns the key for an execution entity: flowline:exec:{id}
func executionKey(id string) string { return keyPrefix + "exec:" + id }

// executionStatusKey is the Set of execution IDs currently in one status.
func executionStatusKey(status string) string {
	return keyPrefix + "exec_status:" + status
}

// stepStatusKey returns the key for a step status entity: flowline:ss:{id}
func stepStatusKey(id string) string { return keyPrefix + "ss:" + id }

// stepStatusIndexKey is the Hash mapping slug to step status ID within one
// execution.
func stepStatusIndexKey(executionID string) string {
	return keyPrefix + "ss_idx:" + executionID
}

// stepStatusOrderKey is the List of step status IDs in creation order.
func stepStatusOrderKey(executionID string) string {
	return keyPrefix + "ss_order:" + executionID
}

// ── Task keys ──

// taskKey returns the key for a task entity: flowline:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// taskActiveKey maps step status IDs to their single live task ID.
const taskActiveKey = keyPrefix + "task_active"

// taskReadyKey is the Sorted Set of ready task IDs scored by run_at.
const taskReadyKey = keyPrefix + "task_ready"

// taskRunningKey is the Sorted Set of running task IDs scored by lease
// expiry.
const taskRunningKey = keyPrefix + "task_running"

// taskOrderKey is the List of an execution's task IDs in creation order.
func taskOrderKey(executionID string) string {
	return keyPrefix + "task_order:" + executionID
}

// ── Schedule keys ──

// scheduleKey returns the key for a schedule entity: flowline:sched:{id}
func scheduleKey(id string) string { return keyPrefix + "sched:" + id }

// scheduleByNameKey maps schedule names to IDs for duplicate detection.
const scheduleByNameKey = keyPrefix + "sched_by_name"

// scheduleIDsKey is the Set tracking all schedule IDs for enumeration.
const scheduleIDsKey = keyPrefix + "sched_ids"

// scheduleLockKey is the per-schedule firing lock: flowline:sched_lock:{id}
func scheduleLockKey(id string) string { return keyPrefix + "sched_lock:" + id }
