package journal

import "errors"

// ErrJournal is the non-fatal error kind for an I/O failure writing the
// journal; the run continues and the engine degrades to best-effort
// persistence.
var ErrJournal = errors.New("journal error")
