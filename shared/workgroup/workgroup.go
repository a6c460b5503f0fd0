package workgroup

import "github.com/meidoworks/sqlbus/shared/logging"

var _workgroupLogger = logging.NewLogger("WorkGroup")

type workGroup interface {
	Run(f func() bool)
}

var defaultFailOverWorkGroup failOverWorkGroup

type failOverWorkGroup struct {
}

// Run executes fn in a dedicated goroutine. The task is restarted after a
// panic or whenever it returns false; returning true ends the task.
func (f failOverWorkGroup) Run(fn func() bool) {
	go func() {
		for {
			shutdownChannel := make(chan bool, 1)
			func() {
				defer func() {
					err := recover()
					if err != nil {
						_workgroupLogger.Errorln("WorkGroup will restart task after reporting panic:", err)
						shutdownChannel <- false
					}
				}()
				shutdown := fn()
				shutdownChannel <- shutdown
			}()
			if shutdown := <-shutdownChannel; shutdown {
				break
			}
			_workgroupLogger.Infoln("WorkGroup reports restarting task after last task complete")
		}
	}()
}

func WithFailOver() workGroup {
	return defaultFailOverWorkGroup
}
