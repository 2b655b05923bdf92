// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
	"lumeforge.dev/zbe/internal/osutil"
)

const supported = true

// linuxInstance is a chroot-plus-namespaces sandbox, grounded on mount
// namespaces and a scratch chroot directory rather than full containers:
// this is enough to give the builder a private filesystem view and an
// empty process tree without depending on a container runtime.
type linuxInstance struct {
	dir    string
	params *Params
}

func prepare(ctx context.Context, params *Params) (Instance, error) {
	if !params.StoreDir.IsNative() {
		return nil, fmt.Errorf("sandbox: store directory %s is not native to this platform", params.StoreDir)
	}
	dir, err := os.MkdirTemp(params.RealStoreDir, ".sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: %v", err)
	}
	inst := &linuxInstance{dir: dir, params: params}
	if err := inst.build(ctx); err != nil {
		inst.Close()
		return nil, fmt.Errorf("sandbox: %v", err)
	}
	return inst, nil
}

func (inst *linuxInstance) build(ctx context.Context) error {
	p := inst.params
	dir := inst.dir

	if err := osutil.MkdirPerm(filepath.Join(dir, "tmp"), 0o777|os.ModeSticky); err != nil {
		return err
	}
	workDir := filepath.Join(dir, p.WorkDir)
	if err := bindMount(p.RealWorkDir, workDir); err != nil {
		return err
	}

	etcDir := filepath.Join(dir, "etc")
	if err := os.Mkdir(etcDir, 0o755); err != nil {
		return err
	}
	if err := osutil.WriteFilePerm(filepath.Join(etcDir, "passwd"), sandboxPasswd(p.UID, p.GID), 0o444); err != nil {
		return err
	}
	if err := osutil.WriteFilePerm(filepath.Join(etcDir, "group"), sandboxGroup(p.GID), 0o444); err != nil {
		return err
	}
	const hostsContent = "127.0.0.1 localhost\n::1 localhost\n"
	if err := osutil.WriteFilePerm(filepath.Join(etcDir, "hosts"), []byte(hostsContent), 0o444); err != nil {
		return err
	}
	if p.AllowNetwork {
		const nsswitchContent = "hosts: files dns\nservices: files\n"
		if err := osutil.WriteFilePerm(filepath.Join(etcDir, "nsswitch.conf"), []byte(nsswitchContent), 0o444); err != nil {
			return err
		}
		for newname, oldname := range networkBindMounts(etcDir) {
			if err := bindMount(oldname, newname); err != nil {
				return err
			}
		}
	}
	if err := os.Chmod(etcDir, 0o555); err != nil {
		return err
	}

	devDir := filepath.Join(dir, "dev")
	if err := osutil.MkdirPerm(devDir, 0o755); err != nil {
		return err
	}
	for newname, oldname := range deviceBindMounts(devDir) {
		if err := bindMount(oldname, newname); err != nil {
			return err
		}
	}

	procDir := filepath.Join(dir, "proc")
	if err := osutil.MkdirPerm(procDir, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("none", procDir, "proc", 0, ""); err != nil {
		return &os.PathError{Op: "mount proc", Path: procDir, Err: err}
	}

	storeDir := filepath.Join(dir, string(p.StoreDir))
	if err := os.MkdirAll(filepath.Dir(storeDir), 0o755); err != nil {
		return err
	}
	if err := osutil.MkdirPerm(storeDir, 0o775|os.ModeSticky); err != nil {
		return err
	}
	if err := os.Chown(storeDir, p.UID, p.GID); err != nil {
		return err
	}
	for input := range p.Inputs.All() {
		if inputDir := input.Dir(); inputDir != p.StoreDir {
			return fmt.Errorf("input %s is not inside %s", input, p.StoreDir)
		}
		dst := filepath.Join(dir, string(input))
		if err := bindMount(filepath.Join(p.RealStoreDir, input.Base()), dst); err != nil {
			return err
		}
	}

	if p.Mode == Relaxed {
		for sandboxPath, hostPath := range p.ExtraPaths {
			dst := filepath.Join(dir, sandboxPath)
			if err := bindMount(hostPath, dst); err != nil {
				return err
			}
		}
	}

	return nil
}

// Command implements [Instance].
func (inst *linuxInstance) Command(ctx context.Context, path string, args []string) (*exec.Cmd, error) {
	c := exec.CommandContext(ctx, path, args...)
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
	c.Dir = inst.params.WorkDir
	c.SysProcAttr = &syscall.SysProcAttr{
		Chroot:     inst.dir,
		Setpgid:    true,
		Credential: &syscall.Credential{Uid: uint32(inst.params.UID), Gid: uint32(inst.params.GID)},
	}
	return c, nil
}

// Close implements [Instance]. It carefully unmounts everything under the
// chroot before removing it, since a plain RemoveAll would otherwise
// recurse into bind-mounted host directories.
func (inst *linuxInstance) Close() error {
	if inst.dir == "" {
		return nil
	}
	return osutil.UnmountAndRemoveAll(inst.dir)
}

func sandboxPasswd(uid, gid int) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString("root:x:0:0:build user:/build:/noshell\n")
	if uid != 0 {
		fmt.Fprintf(buf, "zbbld:x:%d:%d:zb build user:/build:/noshell\n", uid, gid)
	}
	buf.WriteString("nobody:x:65534:65534:Nobody:/:/noshell\n")
	return buf.Bytes()
}

func sandboxGroup(gid int) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString("root:x:0:\n")
	if gid != 0 {
		fmt.Fprintf(buf, "zbbld:!:%d:\n", gid)
	}
	buf.WriteString("nogroup:x:65534:\n")
	return buf.Bytes()
}

func networkBindMounts(etcDir string) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, name := range []string{"resolv.conf", "services", "hosts"} {
			if !yield(filepath.Join(etcDir, name), filepath.Join("/etc", name)) {
				return
			}
		}
	}
}

func deviceBindMounts(devDir string) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, name := range []string{"full", "null", "random", "tty", "urandom", "zero"} {
			if !yield(filepath.Join(devDir, name), filepath.Join("/dev", name)) {
				return
			}
		}
	}
}

// bindMount creates a bind mount of oldname at newname, creating parent
// directories as needed. If oldname is a symlink, it is recreated
// instead (symlinks cannot be bind-mounted).
func bindMount(oldname, newname string) (err error) {
	defer func() {
		if err != nil {
			err = &os.LinkError{Op: "bind mount", Old: oldname, New: newname, Err: err}
		}
	}()

	info, err := os.Lstat(oldname)
	if err != nil {
		return err
	}

	switch info.Mode().Type() {
	case os.ModeDir:
		if err := os.MkdirAll(newname, 0o777); err != nil {
			return err
		}
		return unix.Mount(oldname, newname, "", unix.MS_BIND|unix.MS_REC, "")
	case os.ModeSymlink:
		if err := os.MkdirAll(filepath.Dir(newname), 0o777); err != nil {
			return err
		}
		target, err := os.Readlink(oldname)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(oldname), target)
		}
		return os.Symlink(target, newname)
	default:
		if err := os.MkdirAll(filepath.Dir(newname), 0o777); err != nil {
			return err
		}
		if err := os.WriteFile(newname, nil, 0o666); err != nil {
			return err
		}
		return unix.Mount(oldname, newname, "", unix.MS_BIND|unix.MS_REC, "")
	}
}
