package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"evalorchestrator.dev/blueprint"
)

// KubernetesJobRunner runs one evaluation per batch/v1 Job: the
// resolved blueprint is passed as an environment variable on the
// single container the Job spawns, and the artifact filename comes
// back as the pod's last line of stdout. The Job is left in place on
// completion (TTL cleanup, if configured, takes care of it later) so
// logs remain fetchable for diagnosing a failed run.
type KubernetesJobRunner struct {
	Client       kubernetes.Interface
	Namespace    string
	Image        string
	PollInterval time.Duration
}

func (r *KubernetesJobRunner) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return 3 * time.Second
}

func (r *KubernetesJobRunner) Run(ctx context.Context, resolved blueprint.Resolved, opts RunOptions) (string, error) {
	payload, err := blueprintJSON(resolved, opts)
	if err != nil {
		return "", err
	}

	jobName := "eval-run-" + sanitizeJobName(resolved.RunLabel)
	backoffLimit := int32(0)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: r.Namespace,
			Labels:    map[string]string{"app": "eval-orchestrator", "blueprint": resolved.ID},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "run",
							Image: r.Image,
							Env: []corev1.EnvVar{
								{Name: "EVAL_RUN_INPUT", Value: string(payload)},
							},
						},
					},
				},
			},
		},
	}

	if _, err := r.Client.BatchV1().Jobs(r.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("creating run job: %w", err)
	}

	if err := r.waitForCompletion(ctx, jobName); err != nil {
		return "", err
	}

	artifact, err := r.lastPodLogLine(ctx, jobName)
	if err != nil {
		return "", err
	}
	if artifact == "" {
		return "", fmt.Errorf("job %s produced no artifact filename", jobName)
	}
	return artifact, nil
}

func (r *KubernetesJobRunner) waitForCompletion(ctx context.Context, jobName string) error {
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job, err := r.Client.BatchV1().Jobs(r.Namespace).Get(ctx, jobName, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return fmt.Errorf("job %s disappeared before completion", jobName)
				}
				return fmt.Errorf("polling job %s: %w", jobName, err)
			}
			if job.Status.Succeeded > 0 {
				return nil
			}
			if job.Status.Failed > 0 {
				return fmt.Errorf("job %s failed", jobName)
			}
		}
	}
}

func (r *KubernetesJobRunner) lastPodLogLine(ctx context.Context, jobName string) (string, error) {
	pods, err := r.Client.CoreV1().Pods(r.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return "", fmt.Errorf("listing pods for job %s: %w", jobName, err)
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pods found for job %s", jobName)
	}

	req := r.Client.CoreV1().Pods(r.Namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("streaming logs for job %s: %w", jobName, err)
	}
	defer stream.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return lastNonEmptyLine(buf), nil
}

func sanitizeJobName(runLabel string) string {
	return strings.ToLower(strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, runLabel))
}
