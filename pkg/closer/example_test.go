package closer

import (
	"fmt"
	"time"
)

// A polling loop watches a resource until the closer fires, the
// way the stack waiter polls CloudFormation until its change set
// reaches a terminal state.
func ExampleCloser() {
	c := New()

	polls := make(chan int)
	go func() {
		for n := 1; ; n++ {
			select {
			case <-c.Chan():
				return
			case polls <- n:
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for n := range polls {
		if n == 3 {
			c.Close(fmt.Errorf("stack reached terminal state"))
			break
		}
	}

	fmt.Printf("stopped: %s\n", c.Wait())
	// Output: stopped: stack reached terminal state
}
