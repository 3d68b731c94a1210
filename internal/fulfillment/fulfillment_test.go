package fulfillment

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-fulfillment/internal/ids"
	"github.com/ariefcatur/go-order-fulfillment/internal/jobqueue"
	"github.com/ariefcatur/go-order-fulfillment/internal/lock"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders/orderstest"
	"github.com/ariefcatur/go-order-fulfillment/internal/orderstatus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store   *orderstest.Store
	queue   *jobqueue.Queue
	worker  *jobqueue.Worker
	service *Service
	locks   *lock.Locker
}

func newFixture(t *testing.T, checks ...Checker) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log := zap.NewNop()

	store := orderstest.New()
	store.PutVariant(orders.Variant{ID: "v-a", Price: 1000, StockQuantity: 8})
	locks := lock.New(rdb, lock.Options{Wait: time.Second, Poll: 2 * time.Millisecond}, log)
	machine := orderstatus.New(store, locks, nil, time.Second, log)
	q := jobqueue.New(rdb, "fulfillment", jobqueue.Options{Attempts: 3, Backoff: time.Millisecond}, &ids.Sequence{Prefix: "job"}, log)
	w := jobqueue.NewWorker(q, 1, log)
	NewHandlers(machine, log, checks...).Register(w)

	return &fixture{
		store:   store,
		queue:   q,
		worker:  w,
		service: NewService(q, machine, locks, time.Second, log),
		locks:   locks,
	}
}

func (f *fixture) putOrder(id string, st orders.Status, pm orders.PaymentMethod) {
	f.store.PutOrder(&orders.Order{
		ID:            id,
		UserID:        "u-1",
		Status:        st,
		PaymentStatus: orders.PaymentPending,
		PaymentMethod: pm,
		TotalAmount:   2000,
		Items:         []orders.OrderItem{{ID: "i-" + id, OrderID: id, VariantID: "v-a", Quantity: 2, UnitPrice: 1000, TotalPrice: 2000}},
	})
}

func (f *fixture) status(t *testing.T, id string) orders.Status {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

// drain runs jobs until the queue has nothing waiting, delayed or active.
func (f *fixture) drain(t *testing.T) jobqueue.Stats {
	t.Helper()
	ctx := context.Background()
	var st jobqueue.Stats
	require.Eventually(t, func() bool {
		if _, err := f.worker.ProcessOne(ctx); err != nil {
			return false
		}
		var err error
		if st, err = f.queue.Stats(ctx); err != nil {
			return false
		}
		return st.Waiting == 0 && st.Delayed == 0 && st.Active == 0
	}, 2*time.Second, 2*time.Millisecond)
	return st
}

func TestConfirmPaymentDrivesOrderToReadyToShip(t *testing.T) {
	f := newFixture(t, AmountLimit(1_000_000))
	ctx := context.Background()
	f.putOrder("o-1", orders.StatusPending, orders.PaymentCard)

	o, err := f.service.ConfirmPayment(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, o.Status)
	assert.Equal(t, orders.PaymentPaid, o.PaymentStatus)

	st := f.drain(t)
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, orders.StatusReadyToShip, f.status(t, "o-1"))
}

func TestConfirmPaymentTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putOrder("o-1", orders.StatusPending, orders.PaymentCard)

	_, err := f.service.ConfirmPayment(ctx, "o-1")
	require.NoError(t, err)
	_, err = f.service.ConfirmPayment(ctx, "o-1")
	assert.ErrorIs(t, err, orders.ErrInvalidStatusTransition)
}

func TestProcessOrderWaitsForPayment(t *testing.T) {
	f := newFixture(t)
	f.putOrder("o-1", orders.StatusPending, orders.PaymentBankTransfer)

	require.NoError(t, f.service.ProcessOrder(context.Background(), "o-1"))
	st := f.drain(t)
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, orders.StatusPending, f.status(t, "o-1"))
}

func TestProcessOrderCashOnDelivery(t *testing.T) {
	f := newFixture(t)
	f.putOrder("o-1", orders.StatusPending, orders.PaymentCOD)

	require.NoError(t, f.service.ProcessOrder(context.Background(), "o-1"))
	f.drain(t)
	assert.Equal(t, orders.StatusReadyToShip, f.status(t, "o-1"))
}

func TestProcessOrderIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putOrder("o-1", orders.StatusPaid, orders.PaymentCard)

	require.NoError(t, f.service.ProcessOrder(ctx, "o-1"))
	require.NoError(t, f.service.ProcessOrder(ctx, "o-1"))
	st := f.drain(t)
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, orders.StatusReadyToShip, f.status(t, "o-1"))
}

func TestFailedCheckHoldsOrderAndExhaustsRetries(t *testing.T) {
	f := newFixture(t, AmountLimit(1500))
	ctx := context.Background()
	f.putOrder("o-1", orders.StatusPaid, orders.PaymentCard)

	require.NoError(t, f.service.ProcessOrder(ctx, "o-1"))
	st := f.drain(t)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, orders.StatusOnHold, f.status(t, "o-1"))

	failed, err := f.service.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, JobProcessOrder, failed[0].Type)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].LastError, "fraud")
}

func TestHeldOrderRecoversOnRetry(t *testing.T) {
	calls := 0
	flaky := CheckerFunc(func(context.Context, *orders.Order) error {
		calls++
		if calls == 1 {
			return ErrInventoryMismatch
		}
		return nil
	})
	f := newFixture(t, flaky)
	f.putOrder("o-1", orders.StatusPaid, orders.PaymentCard)

	require.NoError(t, f.service.ProcessOrder(context.Background(), "o-1"))
	st := f.drain(t)
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, 2, calls)
	assert.Equal(t, orders.StatusReadyToShip, f.status(t, "o-1"))
}

func TestShipOrderRequiresReadyToShip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putOrder("o-1", orders.StatusProcessing, orders.PaymentCard)

	require.NoError(t, f.service.RequestShipment(ctx, "o-1", TrackingUpdate{Carrier: "JNE", TrackingNumber: "JN123"}))
	st := f.drain(t)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, orders.StatusProcessing, f.status(t, "o-1"))

	failed, err := f.service.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
}

func TestShipAndDeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putOrder("o-1", orders.StatusReadyToShip, orders.PaymentCard)

	require.NoError(t, f.service.RequestShipment(ctx, "o-1", TrackingUpdate{Carrier: "JNE", TrackingNumber: "JN123"}))
	f.drain(t)
	assert.Equal(t, orders.StatusShipped, f.status(t, "o-1"))

	require.NoError(t, f.service.ReportTracking(ctx, "o-1", TrackingUpdate{Status: TrackingInTransit}))
	f.drain(t)
	assert.Equal(t, orders.StatusShipped, f.status(t, "o-1"))

	for i := 0; i < 2; i++ {
		require.NoError(t, f.service.ReportTracking(ctx, "o-1", TrackingUpdate{Status: TrackingDelivered}))
	}
	st := f.drain(t)
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, orders.StatusDelivered, f.status(t, "o-1"))
}

func TestRefundFromPaidRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putOrder("o-1", orders.StatusPaid, orders.PaymentCard)

	require.NoError(t, f.service.RequestRefund(ctx, "o-1", "changed my mind"))
	require.NoError(t, f.service.RequestRefund(ctx, "o-1", "changed my mind"))
	st := f.drain(t)
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, orders.StatusRefunded, f.status(t, "o-1"))
	assert.Equal(t, 10, f.store.Stock("v-a"))
}

func TestRefundRejectedWhileShipped(t *testing.T) {
	f := newFixture(t)
	f.putOrder("o-1", orders.StatusShipped, orders.PaymentCard)

	require.NoError(t, f.service.RequestRefund(context.Background(), "o-1", "late"))
	st := f.drain(t)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, orders.StatusShipped, f.status(t, "o-1"))
}

func TestUnknownOrderFailsPermanently(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.service.ProcessOrder(context.Background(), "missing"))
	st := f.drain(t)
	assert.Equal(t, int64(1), st.Failed)
}

func TestRetryJobRequeuesFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putOrder("o-1", orders.StatusProcessing, orders.PaymentCard)
	require.NoError(t, f.service.RequestShipment(ctx, "o-1", TrackingUpdate{}))
	f.drain(t)

	failed, err := f.service.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	f.store.PutOrder(&orders.Order{ID: "o-1", UserID: "u-1", Status: orders.StatusReadyToShip})
	require.NoError(t, f.service.RetryJob(ctx, failed[0].ID))
	st := f.drain(t)
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, orders.StatusShipped, f.status(t, "o-1"))
}

func TestAmountLimit(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, AmountLimit(0).Check(ctx, &orders.Order{TotalAmount: 1 << 40}))
	assert.NoError(t, AmountLimit(100).Check(ctx, &orders.Order{TotalAmount: 100}))
	assert.ErrorIs(t, AmountLimit(100).Check(ctx, &orders.Order{TotalAmount: 101}), ErrFraudSuspected)
}

func TestCatalogCheck(t *testing.T) {
	store := orderstest.New()
	store.PutVariant(orders.Variant{ID: "v-a"})
	c := CatalogCheck{Variants: store}
	ctx := context.Background()

	assert.NoError(t, c.Check(ctx, &orders.Order{Items: []orders.OrderItem{{VariantID: "v-a"}}}))
	err := c.Check(ctx, &orders.Order{Items: []orders.OrderItem{{VariantID: "v-gone"}}})
	assert.ErrorIs(t, err, ErrInventoryMismatch)
	assert.ErrorIs(t, err, orders.ErrVariantNotFound)
}
