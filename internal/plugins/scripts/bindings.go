package scripts

import (
	"context"
	"errors"
	"strings"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/authz"
	"github.com/keyxmakerx/gatekeeper/internal/sandbox"
)

// Bindings returns the host functions the catalog offers to scripts, each
// tied to the capability that guards the matching HTTP route.
func Bindings(svc ScriptService) []sandbox.Binding {
	return []sandbox.Binding{
		{Name: "scripts.list", Requires: authz.ReadScripts, Fn: func(ctx context.Context, _ ...any) (any, error) {
			list, err := svc.List(ctx)
			if err != nil {
				return nil, toScriptError(err)
			}
			names := make([]string, len(list))
			for i, s := range list {
				names[i] = s.Name
			}
			return names, nil
		}},
		{Name: "scripts.get", Requires: authz.ReadScripts, Fn: func(ctx context.Context, args ...any) (any, error) {
			name, err := sandbox.StringArg(args, 0)
			if err != nil {
				return nil, err
			}
			sc, err := svc.Get(ctx, name)
			if err != nil {
				return nil, toScriptError(err)
			}
			return sc.Source, nil
		}},
		{Name: "scripts.save", Requires: authz.WriteScripts, Fn: func(ctx context.Context, args ...any) (any, error) {
			name, err := sandbox.StringArg(args, 0)
			if err != nil {
				return nil, err
			}
			source, err := sandbox.StringArg(args, 1)
			if err != nil {
				return nil, err
			}
			if _, err := svc.Save(ctx, name, source, sandbox.UserFrom(ctx).UserID()); err != nil {
				return nil, toScriptError(err)
			}
			return true, nil
		}},
		{Name: "scripts.delete", Requires: authz.DeleteScripts, Fn: func(ctx context.Context, args ...any) (any, error) {
			name, err := sandbox.StringArg(args, 0)
			if err != nil {
				return nil, err
			}
			if err := svc.Delete(ctx, name, sandbox.UserFrom(ctx).UserID()); err != nil {
				return nil, toScriptError(err)
			}
			return true, nil
		}},
	}
}

// toScriptError strips internal detail before an error crosses into the
// sandbox.
func toScriptError(err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return &sandbox.ScriptError{Code: strings.ToUpper(appErr.Type), Message: appErr.Message}
	}
	return &sandbox.ScriptError{Code: "INTERNAL_ERROR", Message: "the host could not complete the call"}
}
