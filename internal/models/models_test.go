package models

import "testing"

func TestPrice(t *testing.T) {
	opt := RideOption{BasePrice: 1000, PricePerKm: 150}
	supplements := []Supplement{
		{ID: "luggage", Price: 200, Quantity: 2},
		{ID: "child-seat", Price: 500, Quantity: 1},
	}
	total, earnings := Price(opt, 6, supplements)
	if total != 1000+6*150+400+500 {
		t.Fatalf("total = %v", total)
	}
	if earnings != 2240 { // 80% of 2800
		t.Fatalf("earnings = %v", earnings)
	}
}

func TestPriceEarningsRounded(t *testing.T) {
	_, earnings := Price(RideOption{BasePrice: 1001}, 0, nil)
	if earnings != 801 { // 800.8 rounds up
		t.Fatalf("earnings = %v", earnings)
	}
}

func TestRideStatusProgression(t *testing.T) {
	order := []RideStatus{RideEnroute, RideArrived, RideInProgress, RideCompleted}
	for i := 0; i < len(order)-1; i++ {
		next, ok := order[i].Next()
		if !ok || next != order[i+1] {
			t.Fatalf("Next(%s) = %s ok=%v", order[i], next, ok)
		}
		if order[i].Rank() >= order[i+1].Rank() {
			t.Fatalf("rank not increasing at %s", order[i])
		}
	}
	if _, ok := RideCompleted.Next(); ok {
		t.Fatal("completed has a next step")
	}
	if RideStatus("bogus").Rank() != -1 {
		t.Fatal("unknown status ranked")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderDeclined, OrderExpired, OrderCancelled, OrderPaymentConfirmed}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Fatalf("%s not terminal", st)
		}
	}
	active := []OrderStatus{OrderPending, OrderAccepted, OrderInProgress, OrderCompleted, OrderPaymentPending, OrderPaymentFailed}
	for _, st := range active {
		if st.Terminal() {
			t.Fatalf("%s reported terminal", st)
		}
	}
}

func TestRideStatusFromOrder(t *testing.T) {
	cases := map[OrderStatus]RideStatus{
		OrderAccepted:         RideEnroute,
		OrderDriverEnroute:    RideEnroute,
		OrderDriverArrived:    RideArrived,
		OrderInProgress:       RideInProgress,
		OrderCompleted:        RideCompleted,
		OrderPaymentConfirmed: RideCompleted,
	}
	for in, want := range cases {
		got, ok := RideStatusFromOrder(in)
		if !ok || got != want {
			t.Fatalf("RideStatusFromOrder(%s) = %s ok=%v", in, got, ok)
		}
	}
	if _, ok := RideStatusFromOrder(OrderPending); ok {
		t.Fatal("pending mapped to a ride status")
	}
}
