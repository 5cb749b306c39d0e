package vfs

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperdrive-os/hyperdrive/pkg/adapters"
	"github.com/hyperdrive-os/hyperdrive/pkg/capabilities"
	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/process"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/rs/zerolog"
)

// Action names accepted in a VFS request body.
const (
	ActionCreateDrive  = "CreateDrive"
	ActionRead         = "Read"
	ActionWrite        = "Write"
	ActionAppend       = "Append"
	ActionAddZip       = "AddZip"
	ActionRemoveDirAll = "RemoveDirAll"
	ActionSetSize      = "SetSize"
)

// Request is a VFS request body: {path, action} plus SetSize's size. File
// contents for Write/Append/AddZip travel in the KernelMessage's Blob,
// kept separate from the body per spec §4.D's blob/body split.
type Request struct {
	Action string `json:"action"`
	Path   string `json:"path"`
	Size   int64  `json:"size,omitempty"`
}

// SelfID is the fixed process id the VFS service registers its mailbox
// under.
func SelfID(ourNode types.NodeId) types.ProcessId {
	return types.ProcessId{ProcessName: "vfs", PackageName: "sys", Publisher: ourNode}
}

// Service is the VFS adapter: one drive directory per requesting
// process's package, rooted under baseDir.
type Service struct {
	bus     *adapters.Bus
	oracle  *capabilities.Oracle
	baseDir string
	logger  zerolog.Logger
}

// New registers the VFS service's mailbox. baseDir is normally
// <home>/vfs; each package gets baseDir/<package-name>:<publisher>/.
func New(registrar process.Registrar, outbound chan<- types.KernelMessage, oracle *capabilities.Oracle, baseDir string, ourNode types.NodeId) *Service {
	return &Service{
		bus:     adapters.NewBus(registrar, outbound, SelfID(ourNode)),
		oracle:  oracle,
		baseDir: baseDir,
		logger:  log.WithComponent("vfs"),
	}
}

// Run pumps the service's inbox until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	defer s.bus.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case km, ok := <-s.bus.Inbox():
			if !ok {
				return
			}
			if km.Message.Kind != types.KindRequest || km.Message.Request == nil {
				continue
			}
			s.handle(ctx, km)
		}
	}
}

func (s *Service) handle(ctx context.Context, km types.KernelMessage) {
	var req Request
	if err := json.Unmarshal(km.Message.Request.Body, &req); err != nil {
		s.respondErr(ctx, km, fmt.Errorf("bad VFS request: %w", err))
		return
	}

	drive := types.Drive{Package: km.Source.Process.Package()}
	driveRoot := s.driveRoot(drive)

	if req.Action != ActionCreateDrive {
		if err := s.checkCapability(ctx, km.Source.Process, drive, req.Action); err != nil {
			s.respondErr(ctx, km, err)
			return
		}
	}

	path, err := s.resolvePath(driveRoot, req.Path)
	if err != nil {
		s.respondErr(ctx, km, err)
		return
	}

	var blob *types.Blob
	switch req.Action {
	case ActionCreateDrive:
		err = s.createDrive(ctx, km.Source.Process, driveRoot)
	case ActionRead:
		blob, err = s.read(path)
	case ActionWrite:
		err = s.write(path, blobBytes(km.Blob), false)
	case ActionAppend:
		err = s.write(path, blobBytes(km.Blob), true)
	case ActionAddZip:
		err = s.addZip(path, blobBytes(km.Blob))
	case ActionRemoveDirAll:
		err = os.RemoveAll(path)
	case ActionSetSize:
		err = os.Truncate(path, req.Size)
	default:
		err = fmt.Errorf("unknown VFS action %q", req.Action)
	}

	if err != nil {
		s.respondErr(ctx, km, err)
		return
	}
	s.bus.Respond(ctx, km, types.Response{}, blob)
}

func (s *Service) driveRoot(drive types.Drive) string {
	return filepath.Join(s.baseDir, drive.Package)
}

// resolvePath joins root and the requested relative path and rejects any
// result that escapes root, blocking path traversal via "..".
func (s *Service) resolvePath(root, reqPath string) (string, error) {
	clean := filepath.Clean("/" + reqPath)
	joined := filepath.Join(root, clean)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes drive root", reqPath)
	}
	return joined, nil
}

func (s *Service) createDrive(ctx context.Context, owner types.ProcessId, driveRoot string) error {
	if err := os.MkdirAll(driveRoot, 0755); err != nil {
		return fmt.Errorf("creating drive: %w", err)
	}
	drive := types.Drive{Package: owner.Package()}
	issuer := types.Address{Node: owner.Publisher, Process: s.bus.Self}
	return s.oracle.Grant(ctx, owner, []types.Capability{
		ReadCapability(issuer, drive),
		WriteCapability(issuer, drive),
	})
}

func (s *Service) read(path string) (*types.Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &types.Blob{Bytes: data}, nil
}

func (s *Service) write(path string, data []byte, appendMode bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// addZip extracts a zip archive's bytes into destDir, rejecting any entry
// whose path would escape destDir (zip-slip).
func (s *Service) addZip(destDir string, data []byte) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating drive directory: %w", err)
	}
	r, err := zip.NewReader(strings.NewReader(string(data)), int64(len(data)))
	if err != nil {
		return fmt.Errorf("reading zip: %w", err)
	}
	for _, f := range r.File {
		entryPath, err := s.resolvePath(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(entryPath, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(entryPath), 0755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening zip entry %s: %w", f.Name, err)
		}
		out, err := os.OpenFile(entryPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			rc.Close()
			return fmt.Errorf("creating %s: %w", entryPath, err)
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, copyErr)
		}
	}
	return nil
}

func (s *Service) checkCapability(ctx context.Context, requester types.ProcessId, drive types.Drive, action string) error {
	issuer := types.Address{Node: requester.Publisher, Process: s.bus.Self}
	var required types.Capability
	switch action {
	case ActionRead:
		required = ReadCapability(issuer, drive)
	default:
		required = WriteCapability(issuer, drive)
	}
	ok, err := s.oracle.Has(ctx, requester, required)
	if err != nil {
		return fmt.Errorf("checking VFS capability: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s lacks the capability required for VFS action %q on drive %s", requester, action, drive.Package)
	}
	return nil
}

func (s *Service) respondErr(ctx context.Context, km types.KernelMessage, err error) {
	s.logger.Warn().Err(err).Str("requester", km.Source.Process.String()).Msg("VFS request failed")
	s.bus.Respond(ctx, km, types.Response{Body: []byte(err.Error())}, nil)
}

func blobBytes(b *types.Blob) []byte {
	if b == nil {
		return nil
	}
	return b.Bytes
}
