package reconcile

import (
	"context"
	"fmt"
	"reflect"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// Ensure converges one object. A missing object is created from desired; an
// AlreadyExists answer to that create counts as success. An existing object is
// updated only when changed reports drift in the fields the caller owns, after
// merge has copied them from desired onto the live copy. A nil changed makes
// the object create-only.
//
// The returned object is the live state when it could be read, desired otherwise.
func Ensure[T client.Object](
	ctx context.Context,
	c client.Client,
	desired T,
	changed func(live, desired T) bool,
	merge func(live, desired T),
) (T, controllerutil.OperationResult, error) {
	key := client.ObjectKeyFromObject(desired)
	live := newObject(desired)
	if err := c.Get(ctx, key, live); err != nil {
		if !apierrors.IsNotFound(err) {
			return desired, controllerutil.OperationResultNone, fmt.Errorf("get %T %s: %w", desired, key, err)
		}
		if err := c.Create(ctx, desired); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return desired, controllerutil.OperationResultNone, nil
			}
			return desired, controllerutil.OperationResultNone, fmt.Errorf("create %T %s: %w", desired, key, err)
		}
		return desired, controllerutil.OperationResultCreated, nil
	}
	if changed == nil || !changed(live, desired) {
		return live, controllerutil.OperationResultNone, nil
	}
	merge(live, desired)
	if err := c.Update(ctx, live); err != nil {
		return live, controllerutil.OperationResultNone, fmt.Errorf("update %T %s: %w", desired, key, err)
	}
	return live, controllerutil.OperationResultUpdated, nil
}

// newObject allocates an empty value of the concrete type behind obj.
func newObject[T client.Object](obj T) T {
	return reflect.New(reflect.TypeOf(obj).Elem()).Interface().(T)
}
