// Copyright The tracexec Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package abi

import "fmt"

// errnoSymbols maps the errno values exec(2) can actually fail with (plus
// the handful of others commonly seen under ptrace/seccomp) to their
// symbolic C name, since golang.org/x/sys/unix only exposes the
// human-readable strerror text, not the constant name the wire format
// documents.
var errnoSymbols = map[int32]string{
	1:   "EPERM",
	2:   "ENOENT",
	3:   "ESRCH",
	4:   "EINTR",
	5:   "EIO",
	6:   "ENXIO",
	7:   "E2BIG",
	8:   "ENOEXEC",
	9:   "EBADF",
	10:  "ECHILD",
	11:  "EAGAIN",
	12:  "ENOMEM",
	13:  "EACCES",
	14:  "EFAULT",
	16:  "EBUSY",
	17:  "EEXIST",
	18:  "EXDEV",
	20:  "ENOTDIR",
	21:  "EISDIR",
	22:  "EINVAL",
	23:  "ENFILE",
	24:  "EMFILE",
	26:  "ETXTBSY",
	27:  "EFBIG",
	28:  "ENOSPC",
	30:  "EROFS",
	31:  "EMLINK",
	36:  "ENAMETOOLONG",
	38:  "ENOSYS",
	40:  "ELOOP",
	95:  "EOPNOTSUPP",
}

// ErrnoSymbol returns the symbolic name of errno (e.g. "ENOENT"), or a
// generic placeholder for values this table doesn't recognize.
func ErrnoSymbol(errno int32) string {
	if s, ok := errnoSymbols[errno]; ok {
		return s
	}
	return fmt.Sprintf("ERRNO_%d", errno)
}

// fsTypeMagic maps common Linux superblock magic numbers (see
// statfs(2)/linux/magic.h) to the filesystem type name reported in
// FdInfo.FSType.
var fsTypeMagic = map[uint32]string{
	0xef53:     "ext4",
	0x01021994: "tmpfs",
	0x9fa0:     "proc",
	0x62656572: "sysfs",
	0x1cd1:     "devpts",
	0x794c7630: "overlay",
	0x9123683e: "btrfs",
	0x58465342: "xfs",
	0x6969:     "nfs",
	0x65735546: "fuse",
	0x53464846: "smb",
	0xff534d42: "cifs",
	0x52654973: "reiserfs",
	0x4d44:     "msdos",
	0x2011bab0: "exfat",
	0x42494e4d: "binfmt_misc",
	0x64626720: "debugfs",
	0x1cd1000:  "devpts",
	0x73636673: "securityfs",
	0x9fa2:     "usbdevfs",
	0x786f4256: "overlayfs",
}

// FSTypeName returns the filesystem type name for a statfs magic number, or
// a hex placeholder when magic isn't one of the common types tracked here.
func FSTypeName(magic uint32) string {
	if s, ok := fsTypeMagic[magic]; ok {
		return s
	}
	return fmt.Sprintf("0x%x", magic)
}
