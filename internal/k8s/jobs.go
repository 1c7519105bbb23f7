package k8s

import (
	"context"
	"regexp"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"swarmengine/internal/config"
	"swarmengine/internal/domain"
)

const containerName = "agent"

// Jobs finish once and are never retried by the orchestrator; retry policy
// lives in the task state machine.
const (
	ttlAfterFinished int32 = 300
	backoffLimit     int32 = 0
)

// Runtime launches and inspects agent jobs in a single namespace.
type Runtime struct {
	client kubernetes.Interface
	cfg    config.Config
}

func NewRuntime(client kubernetes.Interface, cfg config.Config) *Runtime {
	return &Runtime{client: client, cfg: cfg}
}

// IsSupervisor reports whether an addressee names the per-project
// supervisor lane rather than a worker lane.
func IsSupervisor(addressee string) bool {
	return strings.HasPrefix(addressee, "supervisor-")
}

// JobName derives the deterministic job name for a task: a role prefix
// plus the first 8 characters of the task id. Short enough for pod name
// suffixes, collision-free for practical id spaces.
func JobName(task domain.Task) string {
	id := strings.TrimPrefix(task.ID, "tsk_")
	if len(id) > 8 {
		id = id[:8]
	}
	if IsSupervisor(task.Addressee) {
		return "supervisor-" + id
	}
	return "agent-" + id
}

// CreateJob launches the backing job for a claimed task. The prompt and
// repo context travel as environment variables; the agent image writes its
// event stream to stdout where the reaper picks it up.
func (r *Runtime) CreateJob(ctx context.Context, task domain.Task, jobName string) error {
	supervisor := IsSupervisor(task.Addressee)
	image := r.cfg.JobImage
	role := "worker"
	if supervisor {
		image = r.cfg.SupervisorImage
		role = "supervisor"
	}

	env := []corev1.EnvVar{
		{Name: "TASK_PROMPT", Value: task.Prompt},
		{Name: "TASK_ID", Value: task.ID},
		{Name: "OUTPUT_FORMAT", Value: "stream-json"},
	}
	if task.RepoURL != nil {
		env = append(env, corev1.EnvVar{Name: "REPO_URL", Value: *task.RepoURL})
	}
	if task.Branch != nil {
		env = append(env, corev1.EnvVar{Name: "BRANCH", Value: *task.Branch})
	}
	if task.ProjectID != nil {
		env = append(env, corev1.EnvVar{Name: "PROJECT_ID", Value: *task.ProjectID})
	}
	if supervisor && task.TriggeredByTaskID != nil {
		env = append(env, corev1.EnvVar{Name: "TRIGGERED_BY_TASK_ID", Value: *task.TriggeredByTaskID})
	}

	labels := map[string]string{
		"app":        "swarm-agent",
		"agent-role": role,
		"task-id":    sanitizeLabel(task.ID),
		"addressee":  sanitizeLabel(task.Addressee),
	}
	if task.ProjectID != nil {
		labels["project-id"] = sanitizeLabel(*task.ProjectID)
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: r.cfg.JobNamespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: int32Ptr(ttlAfterFinished),
			BackoffLimit:            int32Ptr(backoffLimit),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					SecurityContext: &corev1.PodSecurityContext{
						RunAsUser:    int64Ptr(1000),
						RunAsNonRoot: boolPtr(true),
					},
					Containers: []corev1.Container{{
						Name:  containerName,
						Image: image,
						Env:   env,
						EnvFrom: []corev1.EnvFromSource{{
							SecretRef: &corev1.SecretEnvSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: r.cfg.JobSecretName},
							},
						}},
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceMemory: resource.MustParse("256Mi"),
								corev1.ResourceCPU:    resource.MustParse("100m"),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceMemory: resource.MustParse("2Gi"),
								corev1.ResourceCPU:    resource.MustParse("1000m"),
							},
						},
					}},
				},
			},
		},
	}

	_, err := r.client.BatchV1().Jobs(r.cfg.JobNamespace).Create(ctx, job, metav1.CreateOptions{})
	return err
}

// GetJobStatus reports the job's counters collapsed to the engine's view.
// A 404 means the job is gone, not an error.
func (r *Runtime) GetJobStatus(ctx context.Context, jobName string) (domain.JobStatus, error) {
	job, err := r.client.BatchV1().Jobs(r.cfg.JobNamespace).Get(ctx, jobName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return domain.JobStatus{}, nil
	}
	if err != nil {
		return domain.JobStatus{}, err
	}
	return domain.JobStatus{
		Exists:    true,
		Active:    job.Status.Active > 0,
		Succeeded: job.Status.Succeeded > 0,
		Failed:    job.Status.Failed > 0,
	}, nil
}

// DeleteJob removes a job and its pods; deleting an already-gone job is a
// no-op.
func (r *Runtime) DeleteJob(ctx context.Context, jobName string) error {
	policy := metav1.DeletePropagationBackground
	err := r.client.BatchV1().Jobs(r.cfg.JobNamespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

var labelInvalid = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// sanitizeLabel coerces arbitrary ids into the label value charset and the
// 63 character limit.
func sanitizeLabel(v string) string {
	v = labelInvalid.ReplaceAllString(v, "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return v
}

func int32Ptr(v int32) *int32 { return &v }
func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }
