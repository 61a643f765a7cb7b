package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const afUnix = 1

// interpreterSyscalls covers CPython and Node.js startup plus ordinary
// computation and console output.
func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl", "ioctl", "fadvise64",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64", "getcwd", "chdir", "fchdir",
			"statfs", "fstatfs",
			"unlink", "unlinkat", "mkdir", "mkdirat", "rename", "renameat",
			"ftruncate", "fsync", "fdatasync", "flock",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise", "membarrier", "mlock", "munlock",
		).
		AllowSyscalls(
			"execve",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq",
		).
		AllowSyscalls(
			"futex",
			"gettid", "tgkill", "tkill", "kill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"rt_sigtimedwait", "rt_sigsuspend", "sigaltstack",
			"sched_yield", "sched_getaffinity",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday", "times",
			"nanosleep", "clock_nanosleep",
			"timerfd_create", "timerfd_settime", "timerfd_gettime",
			"setitimer", "getitimer", "alarm",
		).
		AllowSyscalls(
			"getpid", "getppid", "getpgrp",
			"getuid", "geteuid", "getresuid",
			"getgid", "getegid", "getresgid", "getgroups",
			"uname", "sysinfo", "getrusage",
			"getrlimit", "prlimit64",
		).
		AllowSyscalls(
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"umask",
			"memfd_create",
		).
		// libuv and CPython create AF_UNIX socketpairs internally; no other family.
		AllowSyscallWithArgs("socketpair", SyscallArg{Index: 0, Value: afUnix, Op: specs.OpEqualTo}).
		AllowSyscallWithArgs("socket", SyscallArg{Index: 0, Value: afUnix, Op: specs.OpEqualTo})
}

func escapeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		KillSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root", "chroot",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
			"connect", "bind", "listen", "accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg",
		)
}

// DefaultProfile returns the deny-by-default profile applied to every
// container. Network syscalls are never allowed.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = escapeSyscalls(b)
	return b.Build()
}
