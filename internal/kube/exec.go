package kube

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	apperrors "github.com/heavyscript/appsnap/internal/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
)

// ExecRequest runs a command in one container of a pod.
type ExecRequest struct {
	Namespace string
	Pod       string
	Container string
	Command   []string
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
}

type execFunc func(ctx context.Context, req ExecRequest) error

// Exec runs req.Command and streams its output.
func (c *Client) Exec(ctx context.Context, req ExecRequest) error {
	return c.exec(ctx, req)
}

func (c *Client) spdyExec(ctx context.Context, req ExecRequest) error {
	if c.restCfg == nil {
		return fmt.Errorf("exec in %s/%s: no rest config", req.Namespace, req.Pod)
	}
	request := c.core.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(req.Namespace).
		Name(req.Pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: req.Container,
			Command:   req.Command,
			Stdin:     req.Stdin != nil,
			Stdout:    req.Stdout != nil,
			Stderr:    req.Stderr != nil,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.restCfg, "POST", request.URL())
	if err != nil {
		return fmt.Errorf("create executor for %s/%s: %w", req.Namespace, req.Pod, err)
	}
	return executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  req.Stdin,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	})
}

// WaitForPrimaryPod polls until a running pod labeled role=primary exists in
// the app's namespace and returns its name.
func (c *Client) WaitForPrimaryPod(ctx context.Context, app string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.podTimeout)
	defer cancel()

	ticker := time.NewTicker(c.podPollInterval)
	defer ticker.Stop()

	opts := metav1.ListOptions{LabelSelector: "role=primary"}
	for {
		pods, err := c.core.CoreV1().Pods(Namespace(app)).List(ctx, opts)
		if err == nil {
			var running []string
			for _, pod := range pods.Items {
				if pod.Status.Phase == corev1.PodRunning {
					running = append(running, pod.Name)
				}
			}
			if len(running) > 0 {
				sort.Strings(running)
				return running[0], nil
			}
		} else {
			c.logger.Debug().Err(err).Str("app", app).Msg("Listing primary pods failed; retrying")
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no running primary database pod for %s: %w", app, apperrors.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// SecretValue returns one decoded key of a secret.
func (c *Client) SecretValue(ctx context.Context, namespace, name, key string) (string, error) {
	secret, err := c.core.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get secret %s/%s: %w", namespace, name, err)
	}
	value, ok := secret.Data[key]
	if !ok {
		if s, ok := secret.StringData[key]; ok {
			return s, nil
		}
		return "", fmt.Errorf("secret %s/%s has no key %q: %w", namespace, name, key, apperrors.ErrNotFound)
	}
	return string(value), nil
}
