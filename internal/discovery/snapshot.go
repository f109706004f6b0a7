package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vaheed/tenantplane/internal/cluster"
	"github.com/vaheed/tenantplane/pkg/types"
)

// SnapshotKey is the ConfigMap data key holding the JSON snapshot.
const SnapshotKey = "discovery.json"

// SnapshotStore persists per-tenant discovery snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap types.Snapshot) error
	// Delete removes the tenant's snapshot; a missing snapshot is not an error.
	Delete(ctx context.Context, tenant string) error
}

// ConfigMapStore writes snapshots to <tenant>-discovery ConfigMaps in one namespace.
type ConfigMapStore struct {
	Client    client.Client
	Namespace string
}

func (s *ConfigMapStore) Save(ctx context.Context, snap types.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	labels := cluster.TenantLabels(snap.Tenant)
	labels[cluster.LabelComponent] = "discovery"

	var cm corev1.ConfigMap
	key := client.ObjectKey{Namespace: s.Namespace, Name: cluster.DiscoveryConfigMapName(snap.Tenant)}
	err = s.Client.Get(ctx, key, &cm)
	if apierrors.IsNotFound(err) {
		cm = corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: key.Name, Namespace: key.Namespace, Labels: labels},
			Data:       map[string]string{SnapshotKey: string(data)},
		}
		if err := s.Client.Create(ctx, &cm); err != nil && !apierrors.IsAlreadyExists(err) {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}
	if cm.Data[SnapshotKey] == string(data) {
		return nil
	}
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	cm.Data[SnapshotKey] = string(data)
	return s.Client.Update(ctx, &cm)
}

// Load reads a persisted snapshot. The boolean is false when none exists.
func (s *ConfigMapStore) Load(ctx context.Context, tenant string) (types.Snapshot, bool, error) {
	var cm corev1.ConfigMap
	key := client.ObjectKey{Namespace: s.Namespace, Name: cluster.DiscoveryConfigMapName(tenant)}
	if err := s.Client.Get(ctx, key, &cm); err != nil {
		if apierrors.IsNotFound(err) {
			return types.Snapshot{}, false, nil
		}
		return types.Snapshot{}, false, err
	}
	raw, ok := cm.Data[SnapshotKey]
	if !ok {
		return types.Snapshot{}, false, nil
	}
	var snap types.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return types.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, true, nil
}

func (s *ConfigMapStore) Delete(ctx context.Context, tenant string) error {
	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{
		Namespace: s.Namespace,
		Name:      cluster.DiscoveryConfigMapName(tenant),
	}}
	return client.IgnoreNotFound(s.Client.Delete(ctx, cm))
}

// MultiStore fans writes out to every store and joins their errors.
type MultiStore []SnapshotStore

func (m MultiStore) Save(ctx context.Context, snap types.Snapshot) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiStore) Delete(ctx context.Context, tenant string) error {
	var errs []error
	for _, s := range m {
		if err := s.Delete(ctx, tenant); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
