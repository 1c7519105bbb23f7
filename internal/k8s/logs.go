package k8s

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// JobLogs returns the log text of the job's pod. Best-effort: when the
// pod has already been garbage-collected it returns an empty string so a
// reap cycle never fails over missing logs.
func (r *Runtime) JobLogs(ctx context.Context, jobName string) (string, error) {
	pods, err := r.client.CoreV1().Pods(r.cfg.JobNamespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return "", err
	}
	if len(pods.Items) == 0 {
		return "", nil
	}

	podName := pods.Items[0].Name
	raw, err := r.client.CoreV1().Pods(r.cfg.JobNamespace).
		GetLogs(podName, &corev1.PodLogOptions{Container: containerName}).
		DoRaw(ctx)
	if apierrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
