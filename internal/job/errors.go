package job

import "errors"

// ErrBusy is returned by Submit when the project already has an
// ActiveJob running (spec §8 property 7: at most one job per project).
var ErrBusy = errors.New("job: project already has an active run")
