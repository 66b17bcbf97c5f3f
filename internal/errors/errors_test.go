package errors

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestCodeAndExitCode(t *testing.T) {
	lockErr := NewLockAcquisitionError("/p", "timeout", nil)
	delErr := NewDeletionError("/p/f", "could not delete file", os.ErrPermission)
	fsErr := NewFileSystemError("/p", "stat", os.ErrNotExist)
	paramsErr := NewInvalidParamsError("/p", "path is outside the prefix")

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantExit int
	}{
		{"nil", nil, 0, ExitOK},
		{"lock", lockErr, CodeLockAcquisition, ExitLockFailed},
		{"wrapped lock", fmt.Errorf("acquire: %w", lockErr), CodeLockAcquisition, ExitLockFailed},
		{"deletion", delErr, CodeDeletion, ExitDeletionFailed},
		{"not locked", fmt.Errorf("fd: %w", ErrNotLocked), CodeNotLocked, ExitLockFailed},
		{"file system", fsErr, CodeFileSystemError, ExitFileSystemError},
		{"invalid params", paramsErr, CodeInvalidParams, ExitUsage},
		{"joined takes first match", Join(paramsErr, delErr), CodeInvalidParams, ExitUsage},
		{"other", New("boom"), CodeInternalError, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.wantCode {
				t.Errorf("Code() = %d, want %d", got, tt.wantCode)
			}
			if got := ExitCode(tt.err); got != tt.wantExit {
				t.Errorf("ExitCode() = %d, want %d", got, tt.wantExit)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "lock with cause",
			err:  NewLockAcquisitionError("/p", "could not open lock file", os.ErrPermission),
			want: "lock acquisition failed for '/p': could not open lock file: permission denied",
		},
		{
			name: "deletion",
			err:  NewDeletionError("/p/f", "too many existing trash files, please force clean", nil),
			want: "too many existing trash files, please force clean '/p/f'",
		},
		{
			name: "params without path",
			err:  NewInvalidParamsError("", "prefix is required"),
			want: "prefix is required",
		},
		{
			name: "params with path",
			err:  NewInvalidParamsError("../x", "path is outside the prefix"),
			want: "path is outside the prefix: '../x'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := NewDeletionError("/p/f", "could not delete file", os.ErrPermission)
	if !Is(err, os.ErrPermission) {
		t.Error("DeletionError should unwrap to its cause")
	}
	err2 := NewLockAcquisitionError("/p", "could not open lock file", os.ErrNotExist)
	if !Is(err2, os.ErrNotExist) {
		t.Error("LockAcquisitionError should unwrap to its cause")
	}
}

func TestToErrorDetail(t *testing.T) {
	if ToErrorDetail(nil) != nil {
		t.Fatal("ToErrorDetail(nil) should be nil")
	}

	detail := ToErrorDetail(NewFileSystemError("/p/f", "remove", os.ErrPermission))
	data, ok := detail.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Data = %T, want map", detail.Data)
	}
	if detail.Code != CodeFileSystemError {
		t.Errorf("Code = %d, want %d", detail.Code, CodeFileSystemError)
	}
	if data["type"] != "permission_denied" || data["operation"] != "remove" || data["path"] != "/p/f" {
		t.Errorf("unexpected data: %v", data)
	}

	detail = ToErrorDetail(NewLockAcquisitionError("/p", "timeout", nil))
	data = detail.Data.(map[string]interface{})
	remedy, _ := data["remedy"].(string)
	if !strings.Contains(remedy, "locking.timeout") {
		t.Errorf("remedy = %q, want mention of locking.timeout", remedy)
	}

	if detail := ToErrorDetail(New("plain")); detail.Data != nil {
		t.Errorf("Data = %v, want nil", detail.Data)
	}
}

func TestToErrorDetail_OmitsEmptyData(t *testing.T) {
	out, err := json.Marshal(ToErrorDetail(New("plain")))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(out), `"data"`) {
		t.Errorf("expected no data field, got %s", out)
	}
}
