/*
Copyright 2026 The Hostlet Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package health wires the agent's liveness and readiness checks into
// heptiolabs/healthcheck, exposed alongside the metrics endpoint.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ClusterAPIReachable reports healthy as long as Node objects can be
// listed (one item) from the cluster API within the given timeout.
func ClusterAPIReachable(client kubernetes.Interface, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		_, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{Limit: 1})
		if err != nil {
			return fmt.Errorf("cluster API unreachable: %w", err)
		}
		return nil
	}
}

// ServiceManagerReachable reports healthy as long as ping succeeds. Callers
// pass the bridge's own connectivity probe (e.g. a systemd D-Bus Ping) so
// this package never has to import the bridge's transport directly.
func ServiceManagerReachable(ping func(ctx context.Context) error, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := ping(ctx); err != nil {
			return fmt.Errorf("service manager unreachable: %w", err)
		}
		return nil
	}
}
