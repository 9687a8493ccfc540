package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// getExecvArgs tokenizes config.command shell-style and resolves the
// program to an absolute path, exactly as the original supervisord's
// Subprocess.get_execv_args does (original_source/src/supervisor/process.py):
// a name containing a path separator is used as-is; otherwise every
// $PATH entry is tried in order, and the first existing, executable,
// regular file wins.
func getExecvArgs(command string, path []string, stat func(string) (bool, error)) (filename string, argv []string, err error) {
	argv = tokenize(command)
	if len(argv) == 0 {
		return "", nil, fmt.Errorf("gosvd: empty command")
	}
	program := argv[0]

	if strings.ContainsRune(program, os.PathSeparator) {
		if ok, serr := stat(program); serr != nil || !ok {
			if serr != nil {
				return "", nil, fmt.Errorf("can't find command %q: %w", program, serr)
			}
			return "", nil, fmt.Errorf("can't find command %q: not executable", program)
		}
		return program, argv, nil
	}

	for _, dir := range path {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, program)
		if ok, serr := stat(candidate); serr == nil && ok {
			return candidate, argv, nil
		}
	}
	return "", nil, fmt.Errorf("can't find command %q on PATH", program)
}

// tokenize performs the minimal shell-style word splitting
// get_execv_args needs: whitespace-separated words, with single and
// double quoting so a command can carry an argument containing
// spaces. It does not implement globbing, pipes, or redirection —
// config.command names one program and its literal arguments.
func tokenize(command string) []string {
	var args []string
	var cur strings.Builder
	var quote rune
	inWord := false

	flush := func() {
		if inWord {
			args = append(args, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			flush()
		default:
			inWord = true
			cur.WriteRune(r)
		}
	}
	flush()
	return args
}

// spawnedPipes holds the channel fds of a spawned child: child_stdin,
// child_stdout, child_stderr (the ends handed to the child), and the
// parent-side ends used to write stdin and read stdout/stderr.
type spawnedPipes struct {
	childStdin  *os.File // child's fd 0 (read end, given to child)
	childStdout *os.File // child's fd 1 (write end, given to child)
	childStderr *os.File // child's fd 2 (write end, given to child)
	stdin       *os.File // parent-side write end of child_stdin
	stdout      *os.File // parent-side read end of child_stdout
	stderr      *os.File // parent-side read end of child_stderr
}

// makePipes creates the pipes a spawn needs: three, or two when stderr
// is redirected onto the stdout pipe. Failure here is
// typically fd exhaustion (EMFILE) and must leave no fds open on the
// way out.
func makePipes(redirectStderr bool) (*spawnedPipes, error) {
	sp := &spawnedPipes{}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	sp.childStdin, sp.stdin = stdinR, stdinW

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(sp.childStdin, sp.stdin)
		return nil, err
	}
	sp.stdout, sp.childStdout = stdoutR, stdoutW

	if redirectStderr {
		sp.childStderr = sp.childStdout
		return sp, nil
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(sp.childStdin, sp.stdin, sp.stdout, sp.childStdout)
		return nil, err
	}
	sp.stderr, sp.childStderr = stderrR, stderrW
	return sp, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// closeChildEnds closes the fds handed to the child, in the parent,
// once StartProcess has returned: each child-side end has exactly one
// close site.
func (sp *spawnedPipes) closeChildEnds() {
	closeAll(sp.childStdin, sp.childStdout)
	if sp.childStderr != sp.childStdout {
		closeAll(sp.childStderr)
	}
}

// closeParentEnds closes the fds the parent kept, used both on a
// failed spawn and on Subprocess.finish.
func (sp *spawnedPipes) closeParentEnds() {
	closeAll(sp.stdin, sp.stdout)
	if sp.stderr != nil {
		closeAll(sp.stderr)
	}
}
