package vfs

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/capabilities"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	inbox chan types.KernelMessage
}

func (f *fakeRegistrar) RegisterProcess(id types.ProcessId, inbox chan types.KernelMessage, public bool) {
	f.inbox = inbox
}
func (f *fakeRegistrar) UnregisterProcess(id types.ProcessId) {}

func newTestService(t *testing.T) (*Service, *fakeRegistrar, chan types.KernelMessage, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := &fakeRegistrar{}
	outbound := make(chan types.KernelMessage, 8)
	oracle := capabilities.New(ctx)
	svc := New(reg, outbound, oracle, t.TempDir(), "local.os")
	go svc.Run(ctx)
	return svc, reg, outbound, ctx
}

func caller() types.ProcessId {
	return types.ProcessId{ProcessName: "app", PackageName: "myapp", Publisher: "local.os"}
}

func send(t *testing.T, reg *fakeRegistrar, id uint64, req Request, blob *types.Blob) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	reg.inbox <- types.KernelMessage{
		Id:      id,
		Source:  types.Address{Node: "local.os", Process: caller()},
		Target:  types.Address{Node: "local.os", Process: SelfID("local.os")},
		Message: types.Message{Kind: types.KindRequest, Request: &types.Request{Body: body}},
		Blob:    blob,
	}
}

func recv(t *testing.T, outbound chan types.KernelMessage) types.KernelMessage {
	t.Helper()
	select {
	case km := <-outbound:
		return km
	case <-time.After(2 * time.Second):
		t.Fatal("expected a response")
		return types.KernelMessage{}
	}
}

func TestCreateDriveGrantsCapabilities(t *testing.T) {
	svc, reg, outbound, ctx := newTestService(t)

	send(t, reg, 1, Request{Action: ActionCreateDrive}, nil)
	km := recv(t, outbound)
	assert.Empty(t, km.Message.Response.Body)

	drive := types.Drive{Package: caller().Package()}
	issuer := types.Address{Node: caller().Publisher, Process: SelfID("local.os")}
	for _, c := range []types.Capability{ReadCapability(issuer, drive), WriteCapability(issuer, drive)} {
		held, err := svc.oracle.Has(ctx, caller(), c)
		require.NoError(t, err)
		assert.True(t, held, "create-drive should grant %s", c.Params)
	}
}

func TestWriteRequiresCapabilityFirst(t *testing.T) {
	_, reg, outbound, _ := newTestService(t)

	send(t, reg, 1, Request{Action: ActionWrite, Path: "a.txt"}, &types.Blob{Bytes: []byte("hi")})
	km := recv(t, outbound)
	assert.NotEmpty(t, km.Message.Response.Body, "expected a capability error before the drive is created")
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	_, reg, outbound, _ := newTestService(t)

	send(t, reg, 1, Request{Action: ActionCreateDrive}, nil)
	recv(t, outbound)

	send(t, reg, 2, Request{Action: ActionWrite, Path: "a.txt"}, &types.Blob{Bytes: []byte("hello")})
	km := recv(t, outbound)
	assert.Empty(t, km.Message.Response.Body)

	send(t, reg, 3, Request{Action: ActionRead, Path: "a.txt"}, nil)
	km = recv(t, outbound)
	require.NotNil(t, km.Blob)
	assert.Equal(t, []byte("hello"), km.Blob.Bytes)
}

func TestAppendAddsToExistingFile(t *testing.T) {
	_, reg, outbound, _ := newTestService(t)
	send(t, reg, 1, Request{Action: ActionCreateDrive}, nil)
	recv(t, outbound)

	send(t, reg, 2, Request{Action: ActionWrite, Path: "log.txt"}, &types.Blob{Bytes: []byte("a")})
	recv(t, outbound)
	send(t, reg, 3, Request{Action: ActionAppend, Path: "log.txt"}, &types.Blob{Bytes: []byte("b")})
	recv(t, outbound)

	send(t, reg, 4, Request{Action: ActionRead, Path: "log.txt"}, nil)
	km := recv(t, outbound)
	assert.Equal(t, []byte("ab"), km.Blob.Bytes)
}

func TestPathTraversalIsRejected(t *testing.T) {
	_, reg, outbound, _ := newTestService(t)
	send(t, reg, 1, Request{Action: ActionCreateDrive}, nil)
	recv(t, outbound)

	send(t, reg, 2, Request{Action: ActionWrite, Path: "../../etc/passwd"}, &types.Blob{Bytes: []byte("pwned")})
	km := recv(t, outbound)
	assert.NotEmpty(t, km.Message.Response.Body)
}

func TestAddZipExtractsEntries(t *testing.T) {
	svc, reg, outbound, _ := newTestService(t)
	send(t, reg, 1, Request{Action: ActionCreateDrive}, nil)
	recv(t, outbound)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("nested/file.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("zipped"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	send(t, reg, 2, Request{Action: ActionAddZip, Path: "."}, &types.Blob{Bytes: buf.Bytes()})
	km := recv(t, outbound)
	assert.Empty(t, km.Message.Response.Body)

	drive := types.Drive{Package: caller().Package()}
	data, err := os.ReadFile(filepath.Join(svc.baseDir, drive.Package, "nested", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("zipped"), data)
}

func TestSetSizeTruncates(t *testing.T) {
	_, reg, outbound, _ := newTestService(t)
	send(t, reg, 1, Request{Action: ActionCreateDrive}, nil)
	recv(t, outbound)
	send(t, reg, 2, Request{Action: ActionWrite, Path: "big.bin"}, &types.Blob{Bytes: []byte("0123456789")})
	recv(t, outbound)

	send(t, reg, 3, Request{Action: ActionSetSize, Path: "big.bin", Size: 4}, nil)
	recv(t, outbound)

	send(t, reg, 4, Request{Action: ActionRead, Path: "big.bin"}, nil)
	km := recv(t, outbound)
	assert.Equal(t, []byte("0123"), km.Blob.Bytes)
}

func TestRemoveDirAllDeletesContents(t *testing.T) {
	_, reg, outbound, _ := newTestService(t)
	send(t, reg, 1, Request{Action: ActionCreateDrive}, nil)
	recv(t, outbound)
	send(t, reg, 2, Request{Action: ActionWrite, Path: "dir/a.txt"}, &types.Blob{Bytes: []byte("x")})
	recv(t, outbound)

	send(t, reg, 3, Request{Action: ActionRemoveDirAll, Path: "dir"}, nil)
	recv(t, outbound)

	send(t, reg, 4, Request{Action: ActionRead, Path: "dir/a.txt"}, nil)
	km := recv(t, outbound)
	assert.NotEmpty(t, km.Message.Response.Body, "file under the removed directory should no longer exist")
}
