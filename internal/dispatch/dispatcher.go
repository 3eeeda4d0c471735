package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/protocol"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// consumeTimeout is the blocking-dequeue window of the consumer loop; the
// loop wakes at least this often to notice shutdown.
const consumeTimeout = 1 * time.Second

// Processor handles one dequeued message. A returned error triggers the
// retry policy: the message is re-enqueued until its retries are exhausted,
// then its callback fires with the final failure.
type Processor func(ctx context.Context, msg *Message) error

// DispatcherStats aggregates the stats of the dispatcher's components.
type DispatcherStats struct {
	Queue       QueueStats         `json:"queue"`
	Distributor DistributorStats   `json:"distributor"`
	Collector   CollectorStats     `json:"collector"`
	Status      StatusUpdaterStats `json:"status_updater"`
	Running     bool               `json:"running"`
}

// Dispatcher is the queueing and routing layer between the orchestrator and
// its agents. A single consumer goroutine drains the priority queue and
// routes each message through the processor table; the default processor
// delivers the message to its recipient over the connection layer.
type Dispatcher struct {
	queue       *MessageQueue
	distributor *Distributor
	collector   *Collector
	status      *StatusUpdater
	gateway     AgentGateway
	logger      *zap.Logger

	procMu     sync.RWMutex
	processors map[protocol.MessageType]Processor

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewDispatcher wires the queue, distributor, collector, and status updater
// together. Call Start to launch the consumer loop.
func NewDispatcher(
	gateway AgentGateway,
	results repositories.TaskResultRepository,
	tasks repositories.TaskRepository,
	queueSize int,
	logger *zap.Logger,
) *Dispatcher {
	log := logger.Named("dispatcher")
	return &Dispatcher{
		queue:       NewMessageQueue(queueSize, log),
		distributor: NewDistributor(gateway, log),
		collector:   NewCollector(gateway, results, tasks, log),
		status:      NewStatusUpdater(gateway, log),
		gateway:     gateway,
		logger:      log,
		processors:  make(map[protocol.MessageType]Processor),
	}
}

// Start launches the consumer loop. Idempotent.
func (d *Dispatcher) Start() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	go d.consume(ctx)
	d.logger.Info("message dispatcher started")
}

// Stop cancels the consumer loop and waits for it to drain its in-flight
// message.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	done := d.done
	d.runMu.Unlock()

	<-done
	d.logger.Info("message dispatcher stopped")
}

// consume is the single consumer loop: blocking-dequeue with a short
// timeout, process, repeat. The loop never exits on a processing error.
func (d *Dispatcher) consume(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := d.queue.DequeueBlocking(ctx, consumeTimeout)
		if msg == nil {
			continue
		}
		d.processMessage(ctx, msg)
	}
}

func (d *Dispatcher) processMessage(ctx context.Context, msg *Message) {
	d.procMu.RLock()
	proc, ok := d.processors[msg.Type]
	d.procMu.RUnlock()
	if !ok {
		proc = d.deliver
	}

	if err := proc(ctx, msg); err != nil {
		if msg.CanRetry() {
			msg.RetryCount++
			d.logger.Warn("message processing failed, retrying",
				zap.String("message_id", msg.ID),
				zap.String("type", string(msg.Type)),
				zap.Int("retry", msg.RetryCount),
				zap.Int("max_retries", msg.MaxRetries),
				zap.Error(err),
			)
			if !d.queue.Enqueue(msg) {
				msg.finish(false, "retry enqueue failed")
			}
			return
		}

		d.logger.Error("message dropped after exhausting retries",
			zap.String("message_id", msg.ID),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
		msg.finish(false, err.Error())
		return
	}

	msg.finish(true, "")
}

// deliver is the default processor: marshal the payload into a frame and
// send it to the recipient, or broadcast when no recipient is set. A failed
// unicast send is an error so the retry policy applies; broadcast failures
// are not propagated.
func (d *Dispatcher) deliver(_ context.Context, msg *Message) error {
	frame, err := protocol.NewFrame(msg.Type, msg.Payload)
	if err != nil {
		return err
	}
	frame.ID = msg.ID

	if msg.Recipient == "" {
		d.gateway.Broadcast(frame, nil)
		return nil
	}
	if !d.gateway.Send(msg.Recipient, frame) {
		return fmt.Errorf("send %s to agent %s failed", msg.Type, msg.Recipient)
	}
	return nil
}

// RegisterProcessor overrides the default delivery for one message type.
func (d *Dispatcher) RegisterProcessor(t protocol.MessageType, p Processor) {
	d.procMu.Lock()
	d.processors[t] = p
	d.procMu.Unlock()
}

// Enqueue adds a message to the outbound queue. Returns false when the
// queue is full or the message already expired.
func (d *Dispatcher) Enqueue(msg *Message) bool {
	return d.queue.Enqueue(msg)
}

// EnqueueAssignment queues a task_assignment for delivery: HIGH priority
// with the standard five-minute expiry.
func (d *Dispatcher) EnqueueAssignment(agentID string, assignment protocol.TaskAssignment, cb Callback) bool {
	msg := NewMessage(protocol.TypeTaskAssignment, assignment)
	msg.Priority = PriorityHigh
	msg.Recipient = agentID
	msg.ExpiresAt = time.Now().UTC().Add(assignmentExpiry)
	msg.Callback = cb
	return d.queue.Enqueue(msg)
}

// Distribute selects an agent by strategy and sends the task immediately.
func (d *Dispatcher) Distribute(task *db.Task, strategy Strategy) (string, error) {
	return d.distributor.Distribute(task, strategy)
}

// Distributor exposes the task distributor.
func (d *Dispatcher) Distributor() *Distributor {
	return d.distributor
}

// Collector exposes the result collector for handler registration.
func (d *Dispatcher) Collector() *Collector {
	return d.collector
}

// Status exposes the status updater.
func (d *Dispatcher) Status() *StatusUpdater {
	return d.status
}

// Stats aggregates the dispatcher's component counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.runMu.Lock()
	running := d.running
	d.runMu.Unlock()

	return DispatcherStats{
		Queue:       d.queue.Stats(),
		Distributor: d.distributor.Stats(),
		Collector:   d.collector.Stats(),
		Status:      d.status.Stats(),
		Running:     running,
	}
}
