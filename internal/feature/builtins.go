package feature

// Built-in names.
const (
	AppPermissions = "App permissions"
	InternetCheck  = "Internet check"
	ToastMessage   = "Toast message"
	DeviceInfo     = "Device info"
)

// Each body is a package-private top-level class so it can follow the
// public class already in the file.
var builtins = []Template{
	{
		Name: AppPermissions,
		Body: `class AppPermissionsHelper {
    static final int REQUEST_CODE = 1001;

    static void requestPermissions(android.app.Activity activity) {
        String[] permissions = {
            android.Manifest.permission.CAMERA,
            android.Manifest.permission.ACCESS_FINE_LOCATION,
            android.Manifest.permission.READ_EXTERNAL_STORAGE
        };
        java.util.List<String> missing = new java.util.ArrayList<>();
        for (String permission : permissions) {
            if (androidx.core.content.ContextCompat.checkSelfPermission(activity, permission)
                    != android.content.pm.PackageManager.PERMISSION_GRANTED) {
                missing.add(permission);
            }
        }
        if (!missing.isEmpty()) {
            androidx.core.app.ActivityCompat.requestPermissions(
                activity, missing.toArray(new String[0]), REQUEST_CODE);
        }
    }
}
`,
	},
	{
		Name: InternetCheck,
		Body: `class InternetCheckHelper {
    static boolean isOnline(android.content.Context context) {
        android.net.ConnectivityManager cm = (android.net.ConnectivityManager)
            context.getSystemService(android.content.Context.CONNECTIVITY_SERVICE);
        if (cm == null) {
            return false;
        }
        android.net.NetworkCapabilities caps = cm.getNetworkCapabilities(cm.getActiveNetwork());
        return caps != null
            && caps.hasCapability(android.net.NetworkCapabilities.NET_CAPABILITY_INTERNET);
    }
}
`,
	},
	{
		Name: ToastMessage,
		Body: `class ToastMessageHelper {
    static void show(android.content.Context context, CharSequence message) {
        android.widget.Toast.makeText(context, message, android.widget.Toast.LENGTH_SHORT).show();
    }
}
`,
	},
	{
		Name: DeviceInfo,
		Body: `class DeviceInfoHelper {
    static String describe() {
        return android.os.Build.MANUFACTURER + " " + android.os.Build.MODEL
            + " (Android " + android.os.Build.VERSION.RELEASE
            + ", API " + android.os.Build.VERSION.SDK_INT + ")";
    }
}
`,
	},
}
