package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/veritide-labs/veritide-go/internal/envelope"
	"github.com/veritide-labs/veritide-go/internal/platform/k8s"
)

// JobCreator is the slice of the Kubernetes client the trigger needs.
type JobCreator interface {
	CreateJob(ctx context.Context, job k8s.Job) error
}

// JobTrigger launches each isolated validator as a Kubernetes Job. The
// envelope rides in an environment variable; content and bundle locations
// inside it are object-store URIs, so the payload stays small.
type JobTrigger struct {
	client       JobCreator
	namespace    string
	images       map[string]string
	graceSeconds int64
}

const envelopeEnvVar = "VERITIDE_INPUT_ENVELOPE"

func NewJobTrigger(client JobCreator, namespace string, images map[string]string) (*JobTrigger, error) {
	if client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("at least one validator image is required")
	}
	return &JobTrigger{
		client:       client,
		namespace:    strings.TrimSpace(namespace),
		images:       images,
		graceSeconds: 120,
	}, nil
}

func (t *JobTrigger) TriggerValidator(ctx context.Context, in envelope.Input) error {
	if t == nil || t.client == nil {
		return fmt.Errorf("job trigger not initialized")
	}
	validatorType := strings.TrimSpace(in.Validator.Type)
	image, ok := t.images[validatorType]
	if !ok {
		return fmt.Errorf("no image configured for validator type %q", validatorType)
	}
	body, err := envelope.EncodeInput(in)
	if err != nil {
		return err
	}

	backoffLimit := int32(0)
	ttl := int32(3600)
	// The job deadline trails the callback deadline so the sweep, not the
	// kubelet, decides the step's fate.
	deadline := int64(in.Context.TimeoutSeconds) + t.graceSeconds

	job := k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:      jobName(validatorType, in.Workflow.StepID),
			Namespace: t.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "veritide",
				"veritide.io/run-id":           in.RunID,
				"veritide.io/step-run-id":      in.Workflow.StepID,
				"veritide.io/validator-type":   validatorType,
			},
		},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoffLimit,
			ActiveDeadlineSeconds:   &deadline,
			TTLSecondsAfterFinished: &ttl,
			Template: k8s.PodTemplateSpec{
				Spec: k8s.PodSpec{
					RestartPolicy: "Never",
					Containers: []k8s.Container{{
						Name:  "validator",
						Image: image,
						Env:   []k8s.EnvVar{{Name: envelopeEnvVar, Value: string(body)}},
					}},
				},
			},
		},
	}

	if err := t.client.CreateJob(ctx, job); err != nil {
		// A retried dispatch may find its job already created; that is
		// the desired state.
		if errors.Is(err, k8s.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create validator job: %w", err)
	}
	return nil
}

// jobName builds a DNS-1123 compliant name from the validator type and step
// run id.
func jobName(validatorType, stepRunID string) string {
	name := "vv-" + strings.ToLower(validatorType) + "-" + strings.ToLower(stepRunID)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, name)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}
