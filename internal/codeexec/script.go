package codeexec

import (
	"encoding/base64"
	"strings"
)

// wrapperTemplate instruments a tool body. The body is embedded as
// base64 and compiled at run time so its indentation and quoting never
// interact with the wrapper.
const wrapperTemplate = `# -*- coding: utf-8 -*-
import base64
import io
import json
import sys
import time
import traceback

for _stream in (sys.stdout, sys.stderr):
    try:
        _stream.reconfigure(encoding="utf-8", errors="replace")
    except Exception:
        pass

_START = time.time()
_ERR = sys.stderr


def report_progress(stage, progress=None, message=None, details=None):
    now = time.time()
    event = {
        "__PROGRESS__": True,
        "stage": stage,
        "progress": progress,
        "message": message,
        "details": details or {},
        "timestamp": now,
        "elapsed": now - _START,
    }
    try:
        _ERR.write("{{PROGRESS}}" + json.dumps(event, default=str) + "{{END}}\n")
        _ERR.flush()
    except Exception:
        pass


_REAL_STDOUT = sys.stdout
_BUFFER = io.StringIO()
sys.stdout = _BUFFER
_FAILED = False

_SOURCE = base64.b64decode("{{BODY}}").decode("utf-8")
try:
    exec(compile(_SOURCE, "<tool>", "exec"), {"__name__": "__main__", "report_progress": report_progress})
except SystemExit as exc:
    if exc.code not in (None, 0):
        _FAILED = True
        _BUFFER.write("\nexit status: %s\n" % (exc.code,))
        report_progress("failed", None, "script exited with status %s" % (exc.code,))
except BaseException as exc:
    _FAILED = True
    _BUFFER.write("\n" + traceback.format_exc())
    report_progress("failed", None, "%s: %s" % (type(exc).__name__, exc))
finally:
    sys.stdout = _REAL_STDOUT
    _TEXT = _BUFFER.getvalue()
    _PAYLOAD = base64.b64encode(_TEXT.encode("utf-8")).decode("ascii") if _TEXT else ""
    _REAL_STDOUT.write("{{RESULT}}" + _PAYLOAD + "{{END}}\n")
    _REAL_STDOUT.flush()

sys.exit(1 if _FAILED else 0)
`

// WrapScript returns the instrumented program for a tool body. The
// wrapper forces UTF-8 stdio, defines report_progress, captures
// stdout, converts uncaught exceptions into captured tracebacks plus a
// failed progress event, and writes the captured text as a base64
// result sentinel. The process exits 1 when the body failed.
func WrapScript(body string) string {
	r := strings.NewReplacer(
		"{{PROGRESS}}", ProgressMarker,
		"{{RESULT}}", ResultMarker,
		"{{END}}", EndMarker,
		"{{BODY}}", base64.StdEncoding.EncodeToString([]byte(body)),
	)
	return r.Replace(wrapperTemplate)
}
