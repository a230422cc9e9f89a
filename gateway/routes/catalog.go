package routes

import "meddrop/ledger"

// Objects are the contracts exposed over HTTP. Each is mounted under
// "/<object>" and deployed as a contract of the same name.
var Objects = []string{"order", "product", "route", "payment"}

// queryRoute maps a GET path onto a read-only chaincode call. Param names the
// optional trailing path value; Field labels it in the "is required" error.
type queryRoute struct {
	Object    string
	Path      string
	Param     string
	Field     string
	Operation string
	Shape     ledger.Shape
	NotFound  string
}

// mutationRoute maps a POST path onto a submitted transaction. Fields are
// passed to the chaincode in order; Event confirms the commit.
type mutationRoute struct {
	Object    string
	Path      string
	Operation string
	Fields    []string
	Event     string
	Action    string
}

var queryRoutes = []queryRoute{
	{Object: "order", Path: "/get-all-orders", Operation: "GetAllOrders", Shape: ledger.ShapeList, NotFound: "Failed to get all the orders"},
	{Object: "order", Path: "/get-order-by-id", Param: "id", Field: "OrderID", Operation: "GetOrderById", Shape: ledger.ShapeRecord, NotFound: "Order Not Found"},
	{Object: "order", Path: "/get-orders-by-customerId", Param: "id", Field: "CustomerID", Operation: "GetOrdersByCustomerId", Shape: ledger.ShapeList, NotFound: "Failed to get orders by customerId!"},
	{Object: "order", Path: "/get-orders-by-status", Param: "status", Field: "Status", Operation: "GetOrderByStatus", Shape: ledger.ShapeList, NotFound: "Failed to get orders by status!"},
	{Object: "order", Path: "/get-order-history", Param: "id", Field: "OrderID", Operation: "GetOrderHistory", Shape: ledger.ShapeHistory, NotFound: "Order History Not Found"},
	{Object: "order", Path: "/validate-order", Param: "id", Field: "OrderID", Operation: "GetOrderHistory", Shape: ledger.ShapeLatest, NotFound: "Failed to get order validation data"},

	{Object: "product", Path: "/get-all-products", Operation: "GetAllProducts", Shape: ledger.ShapeList, NotFound: "Failed to get all the products"},
	{Object: "product", Path: "/get-product-by-id", Param: "id", Field: "ProductID", Operation: "GetProductById", Shape: ledger.ShapeRecord, NotFound: "Failed to get Product by ID!"},
	{Object: "product", Path: "/get-product-by-title", Param: "title", Field: "ProductTitle", Operation: "GetProductByTitle", Shape: ledger.ShapeList, NotFound: "Failed to get product by title!"},
	{Object: "product", Path: "/get-product-history", Param: "id", Field: "ProductID", Operation: "GetProductHistory", Shape: ledger.ShapeHistory, NotFound: "Failed to get product history"},

	{Object: "route", Path: "/get-all-routes", Operation: "GetAllRoutes", Shape: ledger.ShapeList, NotFound: "Failed to get all the routes"},
	{Object: "route", Path: "/get-route-by-id", Param: "id", Field: "RouteID", Operation: "GetRouteById", Shape: ledger.ShapeRecord, NotFound: "Failed to get Route by ID!"},
	{Object: "route", Path: "/get-routes-by-destination", Param: "destination", Field: "Destination", Operation: "GetRoutesByDestination", Shape: ledger.ShapeList, NotFound: "Failed to get routes by destination!"},
	{Object: "route", Path: "/get-route-history", Param: "id", Field: "RouteID", Operation: "GetRouteHistory", Shape: ledger.ShapeHistory, NotFound: "Failed to get route history"},

	{Object: "payment", Path: "/get-all-payments", Operation: "GetAllPayments", Shape: ledger.ShapeList, NotFound: "Failed to get all the payments"},
	{Object: "payment", Path: "/get-payment-by-id", Param: "id", Field: "PaymentID", Operation: "GetPaymentById", Shape: ledger.ShapeRecord, NotFound: "Failed to get payment by ID!"},
	{Object: "payment", Path: "/get-payments-by-order", Param: "id", Field: "OrderID", Operation: "GetPaymentsByOrderId", Shape: ledger.ShapeList, NotFound: "Failed to get payments by order_id!"},
	{Object: "payment", Path: "/get-payment-history", Param: "id", Field: "PaymentID", Operation: "GetPaymentHistory", Shape: ledger.ShapeHistory, NotFound: "Failed to get payment history"},
}

var mutationRoutes = []mutationRoute{
	{
		Object: "order", Path: "/place-order", Operation: "PlaceOrder", Event: "OrderPlaced", Action: "place order",
		Fields: []string{
			"OrderID", "ItemCount", "CustomerID", "Lat", "Long", "DeliveryScheduleID",
			"DeliveryCharges", "DeliveryDateTime", "OrderPlaceDateTime", "GrossTotal",
			"Discount", "VAT", "NetTotal", "StatusTitle", "StatusTimeStamp",
		},
	},
	{
		Object: "order", Path: "/update-order-status", Operation: "UpdateOrderStatus", Event: "OrderUpdated", Action: "update order status",
		Fields: []string{"OrderID", "StatusTitle", "StatusTimeStamp"},
	},
	{
		Object: "order", Path: "/update-order-feedback", Operation: "PostOrderFeedBack", Event: "FeedBackUpdated", Action: "post order feedback",
		Fields: []string{"OrderID", "FeedBack"},
	},
	{
		Object: "product", Path: "/add-product", Operation: "AddProduct", Event: "ProductAdded", Action: "add product",
		Fields: []string{
			"ProductID", "ProductTitle", "Unit", "Price", "TimeStamp", "Supplier", "Stock",
			"TemperatureConstraints", "Humidity", "OtherLogisticalParameters",
		},
	},
	{
		Object: "product", Path: "/update-product", Operation: "UpdateProduct", Event: "ProductUpdated", Action: "update product",
		Fields: []string{
			"ProductID", "ProductTitle", "Unit", "Price", "Supplier", "Stock",
			"TemperatureConstraints", "Humidity", "OtherLogisticalParameters", "UpdateTimeStamp",
		},
	},
	{
		Object: "route", Path: "/add-route", Operation: "AddRoute", Event: "RouteAdded", Action: "add route",
		Fields: []string{"RouteID", "CustomerID", "Departure", "Destination", "DataPoints", "TimeStamp", "ETA"},
	},
	{
		Object: "route", Path: "/update-route", Operation: "UpdateRoute", Event: "RouteUpdated", Action: "update route",
		Fields: []string{"RouteID", "Departure", "Destination", "DataPoints", "ETA", "UpdateTimeStamp"},
	},
	{
		Object: "payment", Path: "/make-payment", Operation: "MakePayment", Event: "PaymentMade", Action: "make payment",
		Fields: []string{"PaymentID", "OrderID", "CustomerID", "NetTotal", "PaidAmt", "TimeStamp"},
	},
}

func queriesFor(object string) []queryRoute {
	var out []queryRoute
	for _, q := range queryRoutes {
		if q.Object == object {
			out = append(out, q)
		}
	}
	return out
}

func mutationsFor(object string) []mutationRoute {
	var out []mutationRoute
	for _, m := range mutationRoutes {
		if m.Object == object {
			out = append(out, m)
		}
	}
	return out
}
